package export

import "github.com/ugcstudio/ugc-agent/internal/timeline"

// Channel columns of an EDL event.
const (
	ChannelVideo = "V"
	ChannelAudio = "A"
)

// Edit columns of an EDL event.
const (
	EditCut      = "C"
	EditDissolve = "D"
)

// Event is one edit of the decision list. Times are in milliseconds.
type Event struct {
	Reel       string
	Channel    string
	Edit       string
	EditMs     float64
	SourceIn   float64
	SourceOut  float64
	RecordIn   float64
	RecordOut  float64
	ClipName   string
	Source     string
	TrackID    string
	ItemID     string
	ItemType   timeline.ItemType
}
