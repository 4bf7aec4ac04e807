package encoder

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/bits"
)

// spsCache holds the most recently seen SPS/PPS NAL units so every
// P-frame can be prefixed with them (some RDP clients require parameter
// sets on every EGFX frame, not only on IDRs). The SPS is rewritten for
// zero-latency playback before caching.
type spsCache struct {
	sps []byte
	pps []byte
}

// Update records a fresh SPS/PPS pair, rewriting the SPS VUI for
// zero-latency decode (max_num_reorder_frames=0) before caching it.
func (c *spsCache) Update(sps, pps []byte) error {
	rewritten, _ := RewriteSPSForZeroLatency(sps)
	c.sps = append([]byte(nil), rewritten...)
	c.pps = append([]byte(nil), pps...)
	return nil
}

// Prefix returns the cached SPS+PPS NAL units (header byte included,
// start codes left to the caller's Annex-B writer), or nil if none
// cached yet.
func (c *spsCache) Prefix() (sps, pps []byte) {
	return c.sps, c.pps
}

// RewriteSPSForZeroLatency parses an SPS NAL unit (header byte included),
// and if its VUI parameters do not already satisfy the zero-latency
// convention (constraint_set3_flag=1, bitstream_restriction present,
// max_num_reorder_frames=0, max_dec_frame_buffering=max(1,num_ref_frames)
// — per WebRTC's sps_vui_rewriter.cc), rebuilds the SPS with a corrected
// VUI. On parse failure or when no modification is needed, returns the
// original bytes with constraint_set3_flag set and changed=false.
func RewriteSPSForZeroLatency(spsData []byte) ([]byte, bool) {
	if len(spsData) < 4 {
		return spsData, false
	}

	sps, err := avc.ParseSPSNALUnit(spsData, true)
	if err != nil {
		return withConstraintSet3(spsData), false
	}

	if !spsNeedsModification(sps) {
		return withConstraintSet3(spsData), false
	}

	return rebuildSPSWithVUI(spsData, sps)
}

func withConstraintSet3(spsData []byte) []byte {
	result := make([]byte, len(spsData))
	copy(result, spsData)
	if len(result) > 2 {
		result[2] |= 0x10
	}
	return result
}

func spsNeedsModification(sps *avc.SPS) bool {
	if (sps.ProfileCompatibility & 0x10) == 0 {
		return true
	}
	if sps.VUI == nil || !sps.VUI.BitstreamRestrictionFlag {
		return true
	}
	if sps.VUI.MaxNumReorderFrames != 0 {
		return true
	}
	expectedMaxDec := sps.NumRefFrames
	if expectedMaxDec == 0 {
		expectedMaxDec = 1
	}
	return sps.VUI.MaxDecFrameBuffering != expectedMaxDec
}

// rebuildSPSWithVUI re-serializes the whole SPS: the VUI sits at the end
// of the NAL and changing its size shifts everything after it, so a
// partial splice is not possible. EBSPWriter inserts emulation-prevention
// bytes as it goes.
func rebuildSPSWithVUI(originalData []byte, sps *avc.SPS) ([]byte, bool) {
	var buf bytes.Buffer
	w := bits.NewEBSPWriter(&buf)

	// NAL header: nal_ref_idc=3, nal_unit_type=7 (SPS).
	w.Write(0x67, 8)
	w.Write(uint(sps.Profile), 8)
	w.Write(uint(sps.ProfileCompatibility)|0x10, 8)
	w.Write(uint(sps.Level), 8)
	w.WriteExpGolomb(uint(sps.ParameterID))

	switch sps.Profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		w.WriteExpGolomb(uint(sps.ChromaFormatIDC))
		if sps.ChromaFormatIDC == 3 {
			writeFlag(w, sps.SeparateColourPlaneFlag)
		}
		w.WriteExpGolomb(sps.BitDepthLumaMinus8)
		w.WriteExpGolomb(sps.BitDepthChromaMinus8)
		writeFlag(w, sps.QPPrimeYZeroTransformBypassFlag)
		writeFlag(w, sps.SeqScalingMatrixPresentFlag)
		if sps.SeqScalingMatrixPresentFlag {
			// Custom scaling lists are not re-serialized; real-time
			// encoders do not emit them.
			return withConstraintSet3(originalData), false
		}
	}

	w.WriteExpGolomb(sps.Log2MaxFrameNumMinus4)
	w.WriteExpGolomb(sps.PicOrderCntType)
	switch sps.PicOrderCntType {
	case 0:
		w.WriteExpGolomb(sps.Log2MaxPicOrderCntLsbMinus4)
	case 1:
		writeFlag(w, sps.DeltaPicOrderAlwaysZeroFlag)
		w.WriteExpGolomb(sps.OffsetForNonRefPic)
		w.WriteExpGolomb(sps.OffsetForTopToBottomField)
		w.WriteExpGolomb(uint(len(sps.RefFramesInPicOrderCntCycle)))
		for _, offset := range sps.RefFramesInPicOrderCntCycle {
			w.WriteExpGolomb(offset)
		}
	}

	w.WriteExpGolomb(sps.NumRefFrames)
	writeFlag(w, sps.GapsInFrameNumValueAllowedFlag)

	// sps.Width/Height are crop-adjusted; add the cropping back to recover
	// the macroblock grid dimensions.
	var cropUnitX, cropUnitY uint = 1, 1
	var frameMbsOnly uint = 0
	if sps.FrameMbsOnlyFlag {
		frameMbsOnly = 1
	}
	switch sps.ChromaFormatIDC {
	case 0:
		cropUnitX, cropUnitY = 1, 2-frameMbsOnly
	case 1:
		cropUnitX, cropUnitY = 2, 2*(2-frameMbsOnly)
	case 2:
		cropUnitX, cropUnitY = 2, 1*(2-frameMbsOnly)
	case 3:
		cropUnitX, cropUnitY = 1, 1*(2-frameMbsOnly)
	}

	fullWidth := sps.Width
	fullHeight := sps.Height
	if sps.FrameCroppingFlag {
		fullWidth += (sps.FrameCropLeftOffset + sps.FrameCropRightOffset) * cropUnitX
		fullHeight += (sps.FrameCropTopOffset + sps.FrameCropBottomOffset) * cropUnitY
	}

	picWidthInMbsMinus1 := (fullWidth / 16) - 1
	picHeightInMapUnitsMinus1 := (fullHeight / 16) - 1
	if !sps.FrameMbsOnlyFlag {
		picHeightInMapUnitsMinus1 = (fullHeight / 32) - 1
	}

	w.WriteExpGolomb(picWidthInMbsMinus1)
	w.WriteExpGolomb(picHeightInMapUnitsMinus1)

	writeFlag(w, sps.FrameMbsOnlyFlag)
	if !sps.FrameMbsOnlyFlag {
		writeFlag(w, sps.MbAdaptiveFrameFieldFlag)
	}
	writeFlag(w, sps.Direct8x8InferenceFlag)

	writeFlag(w, sps.FrameCroppingFlag)
	if sps.FrameCroppingFlag {
		w.WriteExpGolomb(sps.FrameCropLeftOffset)
		w.WriteExpGolomb(sps.FrameCropRightOffset)
		w.WriteExpGolomb(sps.FrameCropTopOffset)
		w.WriteExpGolomb(sps.FrameCropBottomOffset)
	}

	// vui_parameters_present_flag: always set, we are about to add one.
	w.Write(1, 1)
	writeVUIForZeroLatency(w, sps)

	w.WriteRbspTrailingBits()

	if w.AccError() != nil {
		return withConstraintSet3(originalData), false
	}
	return buf.Bytes(), true
}

func writeFlag(w *bits.EBSPWriter, flag bool) {
	if flag {
		w.Write(1, 1)
	} else {
		w.Write(0, 1)
	}
}

func writeVUIForZeroLatency(w *bits.EBSPWriter, sps *avc.SPS) {
	vui := sps.VUI
	if vui == nil {
		vui = &avc.VUIParameters{}
	}

	hasAspectRatio := vui.SampleAspectRatioWidth > 0 && vui.SampleAspectRatioHeight > 0
	writeFlag(w, hasAspectRatio)
	if hasAspectRatio {
		// Extended_SAR keeps the serialization independent of which
		// predefined aspect_ratio_idc the encoder originally used.
		w.Write(255, 8)
		w.Write(vui.SampleAspectRatioWidth, 16)
		w.Write(vui.SampleAspectRatioHeight, 16)
	}

	writeFlag(w, vui.OverscanInfoPresentFlag)
	if vui.OverscanInfoPresentFlag {
		writeFlag(w, vui.OverscanAppropriateFlag)
	}

	writeFlag(w, vui.VideoSignalTypePresentFlag)
	if vui.VideoSignalTypePresentFlag {
		w.Write(vui.VideoFormat, 3)
		writeFlag(w, vui.VideoFullRangeFlag)
		writeFlag(w, vui.ColourDescriptionFlag)
		if vui.ColourDescriptionFlag {
			w.Write(vui.ColourPrimaries, 8)
			w.Write(vui.TransferCharacteristics, 8)
			w.Write(vui.MatrixCoefficients, 8)
		}
	}

	writeFlag(w, vui.ChromaLocInfoPresentFlag)
	if vui.ChromaLocInfoPresentFlag {
		w.WriteExpGolomb(vui.ChromaSampleLocTypeTopField)
		w.WriteExpGolomb(vui.ChromaSampleLocTypeBottomField)
	}

	writeFlag(w, vui.TimingInfoPresentFlag)
	if vui.TimingInfoPresentFlag {
		w.Write(vui.NumUnitsInTick, 32)
		w.Write(vui.TimeScale, 32)
		writeFlag(w, vui.FixedFrameRateFlag)
	}

	writeFlag(w, vui.NalHrdParametersPresentFlag)
	if vui.NalHrdParametersPresentFlag {
		writeHrdParameters(w, vui.NalHrdParameters)
	}
	writeFlag(w, vui.VclHrdParametersPresentFlag)
	if vui.VclHrdParametersPresentFlag {
		writeHrdParameters(w, vui.VclHrdParameters)
	}
	if vui.NalHrdParametersPresentFlag || vui.VclHrdParametersPresentFlag {
		writeFlag(w, vui.LowDelayHrdFlag)
	}

	writeFlag(w, vui.PicStructPresentFlag)

	// bitstream_restriction: the fields that make hardware decoders run
	// without a reorder buffer.
	w.Write(1, 1)
	writeFlag(w, true) // motion_vectors_over_pic_boundaries_flag
	w.WriteExpGolomb(2)
	w.WriteExpGolomb(1)
	w.WriteExpGolomb(16)
	w.WriteExpGolomb(16)
	w.WriteExpGolomb(0) // max_num_reorder_frames

	maxDecBuf := sps.NumRefFrames
	if maxDecBuf == 0 {
		maxDecBuf = 1
	}
	w.WriteExpGolomb(maxDecBuf)
}

func writeHrdParameters(w *bits.EBSPWriter, hrd *avc.HrdParameters) {
	if hrd == nil {
		return
	}

	w.WriteExpGolomb(hrd.CpbCountMinus1)
	w.Write(hrd.BitRateScale, 4)
	w.Write(hrd.CpbSizeScale, 4)

	for i := uint(0); i <= hrd.CpbCountMinus1; i++ {
		if i < uint(len(hrd.CpbEntries)) {
			entry := hrd.CpbEntries[i]
			w.WriteExpGolomb(entry.BitRateValueMinus1)
			w.WriteExpGolomb(entry.CpbSizeValueMinus1)
			writeFlag(w, entry.CbrFlag)
		}
	}

	w.Write(hrd.InitialCpbRemovalDelayLengthMinus1, 5)
	w.Write(hrd.CpbRemovalDelayLengthMinus1, 5)
	w.Write(hrd.DpbOutputDelayLengthMinus1, 5)
	w.Write(hrd.TimeOffsetLength, 5)
}
