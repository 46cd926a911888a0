package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

// Tray icons: a filled disc whose colour follows the agent state.
var (
	iconData          = renderIcon(color.RGBA{R: 0x9e, G: 0x9e, B: 0x9e, A: 0xff})
	iconDataConnected = renderIcon(color.RGBA{R: 0x2e, G: 0xa0, B: 0x43, A: 0xff})
	iconDataError     = renderIcon(color.RGBA{R: 0xd3, G: 0x2f, B: 0x2f, A: 0xff})
	iconDataStopped   = renderIcon(color.RGBA{R: 0x61, G: 0x61, B: 0x61, A: 0xff})
)

const iconSize = 32

func renderIcon(fill color.RGBA) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, iconSize, iconSize))

	const r = iconSize/2 - 2
	c := float64(iconSize-1) / 2
	for y := 0; y < iconSize; y++ {
		for x := 0; x < iconSize; x++ {
			dx, dy := float64(x)-c, float64(y)-c
			if dx*dx+dy*dy <= r*r {
				img.Set(x, y, fill)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
