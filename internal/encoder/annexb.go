package encoder

// annexBStartCode is the 4-byte Annex-B NAL delimiter, grounded on
// rtp_h264.go's own annexBStartCode constant (that file depacketizes RTP
// into Annex-B; this one walks Annex-B that GStreamer's h264parse already
// produced, so the delimiter convention is shared but the direction of
// travel is reversed).
var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// splitAnnexB walks a byte-stream-framed H.264 buffer and returns each
// NAL unit's payload (start code stripped). Tolerates both 3- and 4-byte
// start codes since x264enc/h264parse may emit either.
func splitAnnexB(data []byte) [][]byte {
	var nals [][]byte
	starts := findStartCodes(data)
	if len(starts) == 0 {
		return nil
	}
	for i, s := range starts {
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1].offset
		}
		nal := data[s.offset+s.length : end]
		if len(nal) > 0 {
			nals = append(nals, nal)
		}
	}
	return nals
}

type startCodePos struct {
	offset int
	length int
}

func findStartCodes(data []byte) []startCodePos {
	var out []startCodePos
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			out = append(out, startCodePos{offset: i, length: 3})
			i += 2
			continue
		}
		if i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			out = append(out, startCodePos{offset: i, length: 4})
			i += 3
		}
	}
	return out
}

// nalType returns the H.264 NAL unit type (low 5 bits of the header byte).
func nalType(nal []byte) byte {
	if len(nal) == 0 {
		return 0
	}
	return nal[0] & 0x1F
}

const (
	nalTypeSPS = 7
	nalTypePPS = 8
	nalTypeIDR = 5
)

// wrapAnnexB joins NAL payloads with 4-byte start codes, producing a
// byte-stream-framed buffer ready to hand to the EGFX sender.
func wrapAnnexB(nals ...[]byte) []byte {
	size := 0
	for _, n := range nals {
		if len(n) == 0 {
			continue
		}
		size += len(annexBStartCode) + len(n)
	}
	out := make([]byte, 0, size)
	for _, n := range nals {
		if len(n) == 0 {
			continue
		}
		out = append(out, annexBStartCode...)
		out = append(out, n...)
	}
	return out
}

// extractParameterSets pulls the SPS and PPS NAL payloads out of an
// Annex-B buffer, or returns ok=false if neither is present.
func extractParameterSets(data []byte) (sps, pps []byte, ok bool) {
	for _, nal := range splitAnnexB(data) {
		switch nalType(nal) {
		case nalTypeSPS:
			sps = nal
		case nalTypePPS:
			pps = nal
		}
	}
	return sps, pps, sps != nil || pps != nil
}
