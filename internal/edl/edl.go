// Package edl renders keep intervals as a CMX3600 edit decision list, so a
// cut made by reelcut can be reopened in an editor.
package edl

import (
	"fmt"
	"math"
	"strings"

	"github.com/reelcut/reelcut/internal/segment"
)

const defaultFPS = 30

// Options describe the source the intervals were cut from.
type Options struct {
	Title     string
	ClipName  string
	MediaPath string
	FrameRate float64 // 0 uses 30
}

// Render returns one event per keep interval. Record timecodes run
// contiguously from zero, mirroring the reconstructed output.
func Render(keeps []segment.Interval, opts Options) string {
	fps := int(math.Round(opts.FrameRate))
	if fps <= 0 {
		fps = defaultFPS
	}

	var b strings.Builder
	title := opts.Title
	if title == "" {
		title = "reelcut"
	}
	fmt.Fprintf(&b, "TITLE: %s\n", title)
	if isDropFrame(opts.FrameRate) {
		b.WriteString("FCM: DROP FRAME\n")
	} else {
		b.WriteString("FCM: NON-DROP FRAME\n")
	}
	b.WriteString("\n")

	var record float64
	for i, iv := range keeps {
		length := iv.Length()
		fmt.Fprintf(&b, "%03d  %-8s %-5s C        %s %s %s %s\n",
			i+1, "AX", "AA/V",
			Timecode(iv.Start, fps), Timecode(iv.End, fps),
			Timecode(record, fps), Timecode(record+length, fps),
		)
		if opts.ClipName != "" {
			fmt.Fprintf(&b, "* FROM CLIP NAME:  %s\n", opts.ClipName)
		}
		if opts.MediaPath != "" {
			fmt.Fprintf(&b, "* SOURCE FILE:  %s\n", opts.MediaPath)
		}
		record += length
	}
	return b.String()
}

// Timecode formats seconds as HH:MM:SS:FF at fps, rounding to the nearest frame.
func Timecode(seconds float64, fps int) string {
	if fps <= 0 {
		fps = defaultFPS
	}
	if seconds < 0 {
		seconds = 0
	}
	total := int(math.Round(seconds * float64(fps)))
	frames := total % fps
	secs := total / fps
	return fmt.Sprintf("%02d:%02d:%02d:%02d", secs/3600, secs/60%60, secs%60, frames)
}

func isDropFrame(rate float64) bool {
	return math.Abs(rate-29.97) < 0.01 || math.Abs(rate-59.94) < 0.01
}
