package report

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomedium"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var (
	fontLarge   font.Face
	fontRegular font.Face
	fontOnce    sync.Once
	fontErr     error
)

func loadFonts() {
	fontOnce.Do(func() {
		regularFont, err := opentype.Parse(goregular.TTF)
		if err != nil {
			fontErr = fmt.Errorf("parse Go Regular: %w", err)
			return
		}
		fontRegular, err = opentype.NewFace(regularFont, &opentype.FaceOptions{
			Size:    36,
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			fontErr = fmt.Errorf("create regular face: %w", err)
			return
		}

		// Medium weight for the headline error figure
		mediumFont, err := opentype.Parse(gomedium.TTF)
		if err != nil {
			fontErr = fmt.Errorf("parse Go Medium: %w", err)
			return
		}
		fontLarge, err = opentype.NewFace(mediumFont, &opentype.FaceOptions{
			Size:    96,
			DPI:     72,
			Hinting: font.HintingFull,
		})
		if err != nil {
			fontErr = fmt.Errorf("create large face: %w", err)
			return
		}
	})
}

// CardData is the text shown on the run summary card.
type CardData struct {
	City      string
	MAE       float64 // Celsius, test split
	RMSE      float64
	BestEpoch int
	Epochs    int
	RunID     string
}

// Card dimensions match the Open Graph image size.
const (
	CardWidth  = 1200
	CardHeight = 630
)

// GenerateCard composites a chart PNG with a text overlay summarising the run.
// Without a chart it falls back to a plain gradient background.
func GenerateCard(chart []byte, data CardData) ([]byte, error) {
	loadFonts()
	if fontErr != nil {
		return nil, fmt.Errorf("load fonts: %w", fontErr)
	}

	var dst *image.RGBA
	if len(chart) == 0 {
		dst = gradientBackground()
	} else {
		src, _, err := image.Decode(bytes.NewReader(chart))
		if err != nil {
			return nil, fmt.Errorf("decode chart: %w", err)
		}
		dst = coverCrop(src)
		drawGradientOverlay(dst)
	}

	drawTextOverlay(dst, data)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode card: %w", err)
	}
	return buf.Bytes(), nil
}

// coverCrop scales src to cover the card, keeping the centre.
func coverCrop(src image.Image) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, CardWidth, CardHeight))

	b := src.Bounds()
	scale := max(float64(CardWidth)/float64(b.Dx()), float64(CardHeight)/float64(b.Dy()))
	w := int(float64(CardWidth) / scale)
	h := int(float64(CardHeight) / scale)
	origin := b.Min.Add(image.Pt((b.Dx()-w)/2, (b.Dy()-h)/2))
	crop := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(w, h))}

	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, crop, xdraw.Src, nil)
	return dst
}

func gradientBackground() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, CardWidth, CardHeight))
	for y := 0; y < CardHeight; y++ {
		progress := float64(y) / float64(CardHeight)
		c := color.RGBA{uint8(20 + progress*10), uint8(20 + progress*15), uint8(40 + progress*20), 255}
		for x := 0; x < CardWidth; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// drawGradientOverlay darkens the bottom of the image so text stays legible.
func drawGradientOverlay(img *image.RGBA) {
	bounds := img.Bounds()
	gradientHeight := 320

	for y := bounds.Max.Y - gradientHeight; y < bounds.Max.Y; y++ {
		progress := float64(y-(bounds.Max.Y-gradientHeight)) / float64(gradientHeight)
		alpha := progress * progress * 0.85

		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			orig := img.RGBAAt(x, y)
			orig.R = uint8(float64(orig.R) * (1 - alpha))
			orig.G = uint8(float64(orig.G) * (1 - alpha))
			orig.B = uint8(float64(orig.B) * (1 - alpha))
			img.SetRGBA(x, y, orig)
		}
	}
}

func drawTextOverlay(img *image.RGBA, data CardData) {
	white := color.RGBA{255, 255, 255, 255}
	lightGray := color.RGBA{200, 200, 200, 255}

	drawText(img, fmt.Sprintf("±%.1f°C", data.MAE), 60, CardHeight-170, white, fontLarge)
	drawText(img, fmt.Sprintf("%s  ·  RMSE %.2f°C  ·  best epoch %d/%d", data.City, data.RMSE, data.BestEpoch, data.Epochs),
		60, CardHeight-90, lightGray, fontRegular)
	if data.RunID != "" {
		drawText(img, "run "+data.RunID, 60, CardHeight-35, lightGray, fontRegular)
	}
}

func drawText(img *image.RGBA, text string, x, y int, col color.Color, face font.Face) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
