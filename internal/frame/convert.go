package frame

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// ConversionError reports a raw frame whose planes do not cover the
// geometry it declares. The frame is dropped; the pipeline keeps running.
type ConversionError struct {
	Seq    uint64
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("frame %d: conversion failed: %s", e.Seq, e.Reason)
}

// Validate checks the plane sizes and strides of an I420 frame.
func (f *RawFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return &ConversionError{Seq: f.Seq, Reason: fmt.Sprintf("invalid dimensions %dx%d", f.Width, f.Height)}
	}
	if f.YStride < f.Width {
		return &ConversionError{Seq: f.Seq, Reason: fmt.Sprintf("luma stride %d shorter than width %d", f.YStride, f.Width)}
	}
	cw, ch := ChromaSize(f.Width, f.Height)
	if f.UVStride < cw {
		return &ConversionError{Seq: f.Seq, Reason: fmt.Sprintf("chroma stride %d shorter than chroma width %d", f.UVStride, cw)}
	}
	if need := f.YStride*(f.Height-1) + f.Width; len(f.Y) < need {
		return &ConversionError{Seq: f.Seq, Reason: fmt.Sprintf("luma plane has %d bytes, need %d", len(f.Y), need)}
	}
	need := f.UVStride*(ch-1) + cw
	if len(f.U) < need {
		return &ConversionError{Seq: f.Seq, Reason: fmt.Sprintf("U plane has %d bytes, need %d", len(f.U), need)}
	}
	if len(f.V) < need {
		return &ConversionError{Seq: f.Seq, Reason: fmt.Sprintf("V plane has %d bytes, need %d", len(f.V), need)}
	}
	return nil
}

// YCbCr returns a 4:2:0 image view over the frame planes without copying.
func (f *RawFrame) YCbCr() *image.YCbCr {
	return &image.YCbCr{
		Y:              f.Y,
		Cb:             f.U,
		Cr:             f.V,
		YStride:        f.YStride,
		CStride:        f.UVStride,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}
}

// Convert turns an I420 frame into an owned RGBA buffer. It does not
// release the raw frame.
func Convert(raw *RawFrame) (*PixelBuffer, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}

	buf := NewPixelBuffer(raw.Width, raw.Height)
	buf.Seq = raw.Seq
	buf.CapturedAt = raw.Timestamp

	dst := buf.RGBA()
	draw.Draw(dst, dst.Bounds(), raw.YCbCr(), image.Point{}, draw.Src)
	return buf, nil
}

// YUYVToI420 repacks a packed 4:2:2 YUYV image into a tightly packed I420
// frame, averaging chroma over row pairs.
func YUYVToI420(src []byte, width, height int) (*RawFrame, error) {
	if width <= 0 || height <= 0 || width%2 != 0 {
		return nil, &ConversionError{Reason: fmt.Sprintf("invalid YUYV geometry %dx%d", width, height)}
	}
	if need := width * height * 2; len(src) < need {
		return nil, &ConversionError{Reason: fmt.Sprintf("YUYV buffer has %d bytes, need %d", len(src), need)}
	}

	out := NewI420(width, height)
	srcStride := width * 2
	for y := 0; y < height; y++ {
		row := src[y*srcStride : (y+1)*srcStride]
		for x := 0; x < width; x++ {
			out.Y[y*width+x] = row[x*2]
		}
	}

	cw, ch := ChromaSize(width, height)
	for cy := 0; cy < ch; cy++ {
		r0 := src[(cy*2)*srcStride:]
		r1 := r0
		if cy*2+1 < height {
			r1 = src[(cy*2+1)*srcStride:]
		}
		for cx := 0; cx < cw; cx++ {
			i := cx * 4
			out.U[cy*cw+cx] = uint8((int(r0[i+1]) + int(r1[i+1]) + 1) / 2)
			out.V[cy*cw+cx] = uint8((int(r0[i+3]) + int(r1[i+3]) + 1) / 2)
		}
	}
	return out, nil
}
