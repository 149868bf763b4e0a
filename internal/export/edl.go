// Package export writes the timeline as a CMX3600-style edit decision list.
package export

import (
	"fmt"
	"math"
	"path"
	"slices"
	"strings"

	"github.com/ugcstudio/ugc-agent/internal/timeline"
)

// Events lists the edits of the video and audio tracks in track order, each
// track sorted by start time. Text tracks carry no media and are skipped.
func Events(d timeline.Design) []Event {
	incoming := make(map[string]timeline.Transition, len(d.TransitionIDs))
	for _, id := range d.TransitionIDs {
		if tr, ok := d.TransitionsMap[id]; ok {
			incoming[tr.ToID] = tr
		}
	}

	var events []Event
	for _, track := range d.Tracks {
		var channel string
		switch track.Type {
		case timeline.TrackVideo:
			channel = ChannelVideo
		case timeline.TrackAudio:
			channel = ChannelAudio
		default:
			continue
		}

		items := make([]timeline.TrackItem, 0, len(track.Items))
		for _, id := range track.Items {
			if item, ok := d.TrackItemsMap[id]; ok {
				items = append(items, item)
			}
		}
		slices.SortStableFunc(items, func(a, b timeline.TrackItem) int {
			switch {
			case a.Display.From < b.Display.From:
				return -1
			case a.Display.From > b.Display.From:
				return 1
			}
			return 0
		})

		for _, item := range items {
			name := clipName(item)
			ev := Event{
				Reel:      ReelName(name),
				Channel:   channel,
				Edit:      EditCut,
				SourceIn:  0,
				SourceOut: item.Display.Length(),
				RecordIn:  item.Display.From,
				RecordOut: item.Display.To,
				ClipName:  SanitizeName(name, maxClipNameLen),
				Source:    item.Details.Src,
				TrackID:   track.ID,
				ItemID:    item.ID,
				ItemType:  item.Type,
			}
			if item.Trim != nil {
				ev.SourceIn = item.Trim.From
				ev.SourceOut = item.Trim.From + item.Display.Length()
			}
			if tr, ok := incoming[item.ID]; ok {
				ev.Edit = EditDissolve
				ev.EditMs = tr.Duration
			}
			events = append(events, ev)
		}
	}
	return events
}

func clipName(item timeline.TrackItem) string {
	switch {
	case item.Name != "":
		return item.Name
	case item.Details.Src != "":
		return path.Base(item.Details.Src)
	default:
		return item.ID
	}
}

// FromDesign renders the decision list of d at the design's frame rate.
func FromDesign(d timeline.Design, title string) string {
	return GenerateEDL(Events(d), title, float64(d.FPS))
}

func GenerateEDL(events []Event, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = timeline.DefaultFPS
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", SanitizeName(title, maxClipNameLen))}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	for i, ev := range events {
		edit := fmt.Sprintf("%-8s", EditCut)
		if ev.Edit == EditDissolve {
			edit = fmt.Sprintf("%-4s %03d", EditDissolve, msToFrames(ev.EditMs, fps))
		}

		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s %s %s %s %s %s", i+1, ev.Reel, ev.Channel, edit,
				msToTimecode(ev.SourceIn, fps), msToTimecode(ev.SourceOut, fps),
				msToTimecode(ev.RecordIn, fps), msToTimecode(ev.RecordOut, fps)),
			fmt.Sprintf("* FROM CLIP NAME:  %s", ev.ClipName),
		)
		if ev.Source != "" {
			lines = append(lines, fmt.Sprintf("* SOURCE FILE:  %s", ev.Source))
		}
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func msToFrames(ms float64, fps int) int {
	return int(math.Round(ms * float64(fps) / 1000.0))
}

func msToTimecode(ms float64, fps int) string {
	totalFrames := msToFrames(ms, fps)
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
