package sensor

import "encoding/binary"

// SpectralPattern returns a generator of little-endian uint16 frames with
// bands x width pixels. Each band carries a level proportional to its index
// and a moving bright spot marks every 64th frame so the preview shows motion.
func SpectralPattern(bands, width int) Generator {
	return func(seq uint64, buf []byte) {
		spot := int(seq % uint64(width))
		for b := 0; b < bands; b++ {
			base := uint16(200 + (3000*b)/bands)
			for x := 0; x < width; x++ {
				v := base
				if seq%64 < 8 && x >= spot && x < spot+16 {
					v = 4000
				}
				binary.LittleEndian.PutUint16(buf[(b*width+x)*2:], v)
			}
		}
	}
}

// RGBPattern returns a generator of interleaved 8-bit RGB frames whose
// colour shifts with the frame sequence.
func RGBPattern(width, height int) Generator {
	return func(seq uint64, buf []byte) {
		shade := byte(seq)
		for i := 0; i < width*height; i++ {
			buf[i*3] = shade
			buf[i*3+1] = byte(i)
			buf[i*3+2] = 128
		}
	}
}
