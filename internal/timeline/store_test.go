package timeline

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
)

func sampleDesign() Design {
	d := NewDesign()
	d.Tracks = []Track{{ID: MainTrackID, Type: TrackVideo, Items: []string{"a", "b"}}}
	d.TrackItemIDs = []string{"a", "b"}
	d.TrackItemsMap = map[string]TrackItem{
		"a": {ID: "a", Type: ItemVideo, Display: Display{From: 0, To: 3000}, Details: Details{Src: "https://x/a.mp4"}},
		"b": {ID: "b", Type: ItemImage, Display: Display{From: 3000, To: 8000}, Details: Details{Src: "https://x/b.png", Crop: &Crop{Width: 10, Height: 10}}},
	}
	d.TrackItemDetailsMap = map[string]ItemDetails{
		"a": {Type: ItemVideo, Details: Details{Src: "https://x/a.mp4"}},
	}
	d.TransitionIDs = []string{"t1"}
	d.TransitionsMap = map[string]Transition{"t1": {ID: "t1", Kind: "fade", FromID: "a", ToID: "b", Duration: 500}}
	d.Duration = 8000
	return d
}

func TestStore_StateIsCopy(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sampleDesign())

	got := s.State()
	got.TrackItemIDs[0] = "mutated"
	got.TrackItemsMap["a"] = TrackItem{ID: "zzz"}
	got.Tracks[0].Items = append(got.Tracks[0].Items, "c")
	got.TrackItemsMap["b"].Details.Crop.Width = 999

	again := s.State()
	if !reflect.DeepEqual(again, sampleDesign()) {
		t.Fatalf("store state changed through a returned copy:\n got %+v", again)
	}
}

func TestStore_ReplaceCarriesExtra(t *testing.T) {
	s := NewStore(nil)
	d := sampleDesign()
	d.Extra = map[string]json.RawMessage{"background": json.RawMessage(`"#000"`)}
	s.Replace(d)
	if got := s.State(); string(got.Extra["background"]) != `"#000"` {
		t.Fatalf("extra = %v", got.Extra)
	}

	s.Replace(sampleDesign())
	if got := s.State(); got.Extra != nil {
		t.Fatalf("Replace kept stale extra: %v", got.Extra)
	}
}

func TestStore_ApplyFieldsPartial(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sampleDesign())

	fps := 60
	s.ApplyFields(Fields{FPS: &fps})

	got := s.State()
	if got.FPS != 60 {
		t.Fatalf("fps = %d, want 60", got.FPS)
	}
	if len(got.TrackItemIDs) != 2 || got.Duration != 8000 {
		t.Fatalf("untouched fields changed: ids=%v duration=%v", got.TrackItemIDs, got.Duration)
	}
}

func TestStore_ApplyFieldsSingleNotification(t *testing.T) {
	s := NewStore(nil)

	var calls int
	var last Design
	s.Subscribe(func(d Design) {
		calls++
		last = d
	})

	s.ApplyFields(FieldsFrom(sampleDesign()))

	if calls != 1 {
		t.Fatalf("listener calls = %d, want 1", calls)
	}
	if !reflect.DeepEqual(last, sampleDesign()) {
		t.Fatalf("listener saw partial state: %+v", last)
	}
}

func TestStore_DurationWidensNeverTruncates(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sampleDesign())

	short := 100.0
	s.ApplyFields(Fields{Duration: &short})

	got := s.State()
	if got.Duration != 8000 {
		t.Fatalf("duration = %v, want widened to 8000", got.Duration)
	}
	if got.TrackItemsMap["b"].Display.To != 8000 {
		t.Fatalf("clip truncated: %+v", got.TrackItemsMap["b"].Display)
	}
}

func TestStore_IDsStayInLockstep(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sampleDesign())

	// Only the map changes; the id list must follow it.
	s.ApplyFields(Fields{TrackItemsMap: map[string]TrackItem{
		"a": {ID: "a", Type: ItemVideo, Display: Display{From: 0, To: 1000}},
	}})

	got := s.State()
	if err := Validate(got); err != nil {
		t.Fatalf("Validate() after partial apply = %v", err)
	}
	if !reflect.DeepEqual(got.TrackItemIDs, []string{"a"}) {
		t.Fatalf("trackItemIds = %v, want [a]", got.TrackItemIDs)
	}
	if _, ok := got.TransitionsMap["t1"]; ok {
		t.Fatal("transition to a removed item survived")
	}
}

func TestStore_UpdateErrorLeavesStateUntouched(t *testing.T) {
	s := NewStore(nil)
	s.Replace(sampleDesign())
	before := s.Version()

	wantErr := errors.New("boom")
	err := s.Update(func(d *Design) error {
		d.TrackItemIDs = nil
		d.Duration = 1
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Update() error = %v, want %v", err, wantErr)
	}
	if s.Version() != before {
		t.Fatal("failed update was committed")
	}
	if !reflect.DeepEqual(s.State(), sampleDesign()) {
		t.Fatal("failed update leaked changes")
	}
}

func TestStore_ResizeHonoursHoldAndGuard(t *testing.T) {
	s := NewStore(nil)
	square := Size{Width: 1080, Height: 1080}

	release := s.Hold()
	applied, err := s.Resize(square, false)
	if err != nil || applied {
		t.Fatalf("Resize during hold = (%v, %v), want skipped", applied, err)
	}

	applied, err = s.Resize(square, true)
	if err != nil || !applied {
		t.Fatalf("forced Resize during hold = (%v, %v), want applied", applied, err)
	}
	release()
	release()
	if s.Settling() {
		t.Fatal("store still settling after release")
	}

	s.SetResizeGuard(func() bool { return false })
	applied, _ = s.Resize(DefaultSize(), false)
	if applied {
		t.Fatal("Resize applied despite guard veto")
	}
	if got := s.State().Size; got != square {
		t.Fatalf("size = %+v, want %+v", got, square)
	}

	if _, err := s.Resize(Size{Width: 0, Height: 10}, true); !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("Resize(0x10) error = %v, want ErrInvalidSize", err)
	}
}

func TestStore_UnsubscribeStopsNotifications(t *testing.T) {
	s := NewStore(nil)
	var calls int
	unsubscribe := s.Subscribe(func(Design) { calls++ })

	fps := 24
	s.ApplyFields(Fields{FPS: &fps})
	unsubscribe()
	s.ApplyFields(Fields{FPS: &fps})

	if calls != 1 {
		t.Fatalf("listener calls = %d, want 1", calls)
	}
}

func TestStore_ConcurrentUpdatesKeepInvariants(t *testing.T) {
	s := NewStore(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i%26)) + string(rune('a'+i/26))
			_ = s.Update(func(d *Design) error {
				d.TrackItemsMap[id] = TrackItem{ID: id, Type: ItemVideo, Display: Display{From: 0, To: float64(1000 + i)}}
				d.TrackItemIDs = append(d.TrackItemIDs, id)
				return nil
			})
		}(i)
	}
	wg.Wait()

	got := s.State()
	if err := Validate(got); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if len(got.TrackItemIDs) != 50 {
		t.Fatalf("items = %d, want 50", len(got.TrackItemIDs))
	}
}
