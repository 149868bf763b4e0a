package timeline

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownTrack      = errors.New("unknown track")
	ErrTrackTypeMismatch = errors.New("item type not accepted by track")
	ErrInvalidDisplay    = errors.New("invalid display window")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrUnknownItem       = errors.New("unknown track item")
	ErrInvalidSize       = errors.New("invalid canvas size")
	ErrIntegrity         = errors.New("timeline integrity violation")
)

// Validate reports the first invariant that d violates.
func Validate(d Design) error {
	if d.Size.Width <= 0 || d.Size.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, d.Size.Width, d.Size.Height)
	}
	if d.FPS <= 0 {
		return fmt.Errorf("%w: fps must be positive, got %d", ErrIntegrity, d.FPS)
	}

	if err := checkLockstep("trackItemIds", d.TrackItemIDs, keysOf(d.TrackItemsMap)); err != nil {
		return err
	}
	if err := checkLockstep("transitionIds", d.TransitionIDs, keysOf(d.TransitionsMap)); err != nil {
		return err
	}

	for id := range d.TrackItemDetailsMap {
		if _, ok := d.TrackItemsMap[id]; !ok {
			return fmt.Errorf("%w: trackItemDetailsMap has %q without an item", ErrIntegrity, id)
		}
	}

	for id, item := range d.TrackItemsMap {
		if item.ID != id {
			return fmt.Errorf("%w: item keyed %q carries id %q", ErrIntegrity, id, item.ID)
		}
		if err := checkDisplay(item.Display); err != nil {
			return fmt.Errorf("item %q: %w", id, err)
		}
		if item.Display.To > d.Duration {
			return fmt.Errorf("%w: item %q ends at %v past duration %v", ErrIntegrity, id, item.Display.To, d.Duration)
		}
	}

	placed := make(map[string]string)
	for _, track := range d.Tracks {
		for _, itemID := range track.Items {
			item, ok := d.TrackItemsMap[itemID]
			if !ok {
				return fmt.Errorf("%w: track %q references %q", ErrUnknownItem, track.ID, itemID)
			}
			if !track.Type.Accepts(item.Type) {
				return fmt.Errorf("%w: %s item %q on %s track %q", ErrTrackTypeMismatch, item.Type, itemID, track.Type, track.ID)
			}
			if other, dup := placed[itemID]; dup {
				return fmt.Errorf("%w: item %q on tracks %q and %q", ErrDuplicateID, itemID, other, track.ID)
			}
			placed[itemID] = track.ID
		}
	}

	for id, tr := range d.TransitionsMap {
		if tr.ID != id {
			return fmt.Errorf("%w: transition keyed %q carries id %q", ErrIntegrity, id, tr.ID)
		}
		if _, ok := d.TrackItemsMap[tr.FromID]; !ok {
			return fmt.Errorf("%w: transition %q from %q", ErrUnknownItem, id, tr.FromID)
		}
		if _, ok := d.TrackItemsMap[tr.ToID]; !ok {
			return fmt.Errorf("%w: transition %q to %q", ErrUnknownItem, id, tr.ToID)
		}
	}
	return nil
}

func checkDisplay(d Display) error {
	if d.From < 0 || d.From >= d.To {
		return fmt.Errorf("%w: from=%v to=%v", ErrInvalidDisplay, d.From, d.To)
	}
	return nil
}

func checkLockstep(name string, ids []string, keys map[string]struct{}) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s lists %q twice", ErrDuplicateID, name, id)
		}
		seen[id] = struct{}{}
		if _, ok := keys[id]; !ok {
			return fmt.Errorf("%w: %s lists %q without a map entry", ErrIntegrity, name, id)
		}
	}
	if len(seen) != len(keys) {
		return fmt.Errorf("%w: %s has %d ids for %d map entries", ErrIntegrity, name, len(seen), len(keys))
	}
	return nil
}

// Repair brings d back within the store invariants without ever truncating a
// clip, and returns a description of every change it made. Dangling ids are
// pruned, unlisted map entries are appended in id order, and duration widens
// to cover the last item.
func Repair(d *Design) []string {
	var repairs []string
	note := func(format string, args ...any) {
		repairs = append(repairs, fmt.Sprintf(format, args...))
	}

	if d.Size.Width <= 0 || d.Size.Height <= 0 {
		note("canvas size %dx%d replaced with default", d.Size.Width, d.Size.Height)
		d.Size = DefaultSize()
	}
	if d.FPS <= 0 {
		note("fps %d replaced with %d", d.FPS, DefaultFPS)
		d.FPS = DefaultFPS
	}
	if d.TrackItemsMap == nil {
		d.TrackItemsMap = map[string]TrackItem{}
	}
	if d.TrackItemDetailsMap == nil {
		d.TrackItemDetailsMap = map[string]ItemDetails{}
	}
	if d.TransitionsMap == nil {
		d.TransitionsMap = map[string]Transition{}
	}
	if d.Tracks == nil {
		d.Tracks = []Track{}
	}

	for id, item := range d.TrackItemsMap {
		changed := false
		if item.ID != id {
			note("item keyed %q had id %q", id, item.ID)
			item.ID = id
			changed = true
		}
		if fixed, ok := repairDisplay(item); ok {
			note("item %q display [%v, %v) replaced with [%v, %v)", id, item.Display.From, item.Display.To, fixed.From, fixed.To)
			item.Display = fixed
			changed = true
		}
		if changed {
			d.TrackItemsMap[id] = item
		}
	}
	d.TrackItemIDs = syncIDs("trackItemIds", d.TrackItemIDs, keysOf(d.TrackItemsMap), note)

	for id := range d.TrackItemDetailsMap {
		if _, ok := d.TrackItemsMap[id]; !ok {
			note("trackItemDetailsMap entry %q dropped: no such item", id)
			delete(d.TrackItemDetailsMap, id)
		}
	}

	placed := make(map[string]struct{})
	for i := range d.Tracks {
		track := &d.Tracks[i]
		kept := make([]string, 0, len(track.Items))
		for _, itemID := range track.Items {
			item, ok := d.TrackItemsMap[itemID]
			if !ok {
				note("track %q reference %q dropped: no such item", track.ID, itemID)
				continue
			}
			if !track.Type.Accepts(item.Type) {
				note("track %q reference %q dropped: %s item on %s track", track.ID, itemID, item.Type, track.Type)
				continue
			}
			if _, dup := placed[itemID]; dup {
				note("track %q reference %q dropped: already placed", track.ID, itemID)
				continue
			}
			placed[itemID] = struct{}{}
			kept = append(kept, itemID)
		}
		track.Items = kept
	}

	for id, tr := range d.TransitionsMap {
		_, fromOK := d.TrackItemsMap[tr.FromID]
		_, toOK := d.TrackItemsMap[tr.ToID]
		if !fromOK || !toOK {
			note("transition %q dropped: endpoints %q -> %q missing", id, tr.FromID, tr.ToID)
			delete(d.TransitionsMap, id)
			continue
		}
		if tr.ID != id {
			tr.ID = id
			d.TransitionsMap[id] = tr
		}
	}
	d.TransitionIDs = syncIDs("transitionIds", d.TransitionIDs, keysOf(d.TransitionsMap), note)

	if end := d.MaxEnd(); end > d.Duration {
		note("duration widened from %v to %v", d.Duration, end)
		d.Duration = end
	}
	if d.Duration <= 0 {
		d.Duration = DefaultDuration
	}
	return repairs
}

// repairDisplay clamps a negative start to zero and widens an empty or
// inverted window to the item's own length.
func repairDisplay(item TrackItem) (Display, bool) {
	disp := item.Display
	if checkDisplay(disp) == nil {
		return disp, false
	}
	if disp.From < 0 {
		disp.From = 0
	}
	if disp.To <= disp.From {
		length := item.Duration
		if length <= 0 {
			length = DefaultItemLength
		}
		disp.To = disp.From + length
	}
	return disp, true
}

func syncIDs(name string, ids []string, keys map[string]struct{}, note func(string, ...any)) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, id := range ids {
		if _, ok := keys[id]; !ok {
			note("%s entry %q dropped: no map entry", name, id)
			continue
		}
		if _, dup := seen[id]; dup {
			note("%s entry %q dropped: duplicate", name, id)
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	var missing []string
	for id := range keys {
		if _, ok := seen[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	for _, id := range missing {
		note("%s entry %q appended: unlisted map entry", name, id)
		out = append(out, id)
	}
	return out
}

func keysOf[V any](m map[string]V) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
