package calibration

import (
	"io"

	"github.com/astrogo/fitsio"
)

// WriteFITS streams ref as a single-HDU 32-bit float FITS image, width along
// NAXIS1 and bands along NAXIS2.
func WriteFITS(w io.Writer, ref *Reference) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()

	im := fitsio.NewImage(-32, []int{ref.Width, ref.Bands})
	defer im.Close()

	err = im.Header().Append(
		fitsio.Card{Name: "REFKIND", Value: ref.Kind.String(), Comment: "calibration reference kind"},
		fitsio.Card{Name: "NFRAMES", Value: ref.Frames, Comment: "raw frames averaged"},
		fitsio.Card{Name: "DATE-OBS", Value: ref.CapturedAt.UTC().Format("2006-01-02T15:04:05"), Comment: "capture time"},
	)
	if err != nil {
		return err
	}
	if err := im.Write(ref.Data); err != nil {
		return err
	}
	return fits.Write(im)
}
