package bridge

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/neura/neura/internal/core"
	"github.com/neura/neura/internal/sampler"
)

func TestPermissions(t *testing.T) {
	p := NewPermissions()
	if err := p.Check(core.KindLocation); err != nil {
		t.Errorf("fresh permissions should grant, got %v", err)
	}

	p.Set(core.KindLocation, false)
	if err := p.Check(core.KindLocation); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("Check() = %v, want ErrPermissionDenied", err)
	}
	if err := p.Check(core.KindSensor); err != nil {
		t.Error("denying location should not affect sensor")
	}

	var nilPerms *Permissions
	if err := nilPerms.Check(core.KindLocation); err != nil {
		t.Error("nil permissions should grant")
	}
}

func TestLocation_LastKnown(t *testing.T) {
	l := NewLocation(NewPermissions())
	ctx := context.Background()

	fix, err := l.LastKnown(ctx)
	if err != nil || fix != nil {
		t.Fatalf("LastKnown() on empty = %v, %v", fix, err)
	}

	l.Update(core.LocationFix{Lat: 1, Lon: 2})
	fix, _ = l.LastKnown(ctx)
	if fix == nil || fix.Lat != 1 || fix.Timestamp.IsZero() {
		t.Errorf("LastKnown() = %+v", fix)
	}
}

func TestLocation_RequestFixWaitsForUpdate(t *testing.T) {
	l := NewLocation(NewPermissions())
	requested := make(chan struct{}, 1)
	l.OnRequest = func() { requested <- struct{}{} }

	got := make(chan core.LocationFix, 1)
	go func() {
		fix, err := l.RequestFix(context.Background())
		if err == nil {
			got <- fix
		}
	}()

	select {
	case <-requested:
	case <-time.After(time.Second):
		t.Fatal("OnRequest not called")
	}
	l.Update(core.LocationFix{Lat: 5, Lon: 6})

	select {
	case fix := <-got:
		if fix.Lat != 5 {
			t.Errorf("fix = %+v", fix)
		}
	case <-time.After(time.Second):
		t.Fatal("RequestFix did not return after Update")
	}
}

func TestLocation_RequestFixTimeout(t *testing.T) {
	l := NewLocation(NewPermissions())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.RequestFix(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RequestFix() error = %v", err)
	}
	if len(l.waiters) != 0 {
		t.Error("timed-out waiter was not removed")
	}
}

func TestLocation_Denied(t *testing.T) {
	perms := NewPermissions()
	perms.Set(core.KindLocation, false)
	l := NewLocation(perms)

	if _, err := l.LastKnown(context.Background()); !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("LastKnown() error = %v", err)
	}
}

func TestUsage_QueryWindowAndLabels(t *testing.T) {
	u := NewUsage(NewPermissions())
	now := time.Now()

	u.Record("com.old", "", now.Add(-time.Minute))
	u.Record("com.whatsapp", "WhatsApp", now.Add(-2*time.Second))

	recs, err := u.QueryUsage(context.Background(), now.Add(-10*time.Second), now)
	if err != nil {
		t.Fatalf("QueryUsage() error = %v", err)
	}
	if len(recs) != 1 || recs[0].PackageName != "com.whatsapp" {
		t.Errorf("QueryUsage() = %+v", recs)
	}

	if name, ok := u.Label("com.whatsapp"); !ok || name != "WhatsApp" {
		t.Errorf("Label() = %q, %v", name, ok)
	}
	if _, ok := u.Label("com.old"); ok {
		t.Error("unlabelled package should not resolve")
	}
}

func TestUsage_Bounded(t *testing.T) {
	u := NewUsage(nil)
	for i := 0; i < maxUsageRecords+20; i++ {
		u.Record("com.app", "", time.Now())
	}
	if len(u.records) != maxUsageRecords {
		t.Errorf("records = %d, want %d", len(u.records), maxUsageRecords)
	}
}

func TestSensors_PushDropsWhenFull(t *testing.T) {
	s := NewSensors()
	for i := 0; i < sensorBuffer; i++ {
		if !s.Push(sampler.SensorEvent{Type: sampler.SensorLight}) {
			t.Fatalf("push %d dropped early", i)
		}
	}
	if s.Push(sampler.SensorEvent{Type: sampler.SensorLight}) {
		t.Error("push into full buffer should drop")
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}

	ch, _ := s.Events(context.Background())
	if ev := <-ch; ev.Type != sampler.SensorLight {
		t.Errorf("event = %+v", ev)
	}
}

func TestAudio_ReadFrameBlocksUntilFull(t *testing.T) {
	a := NewAudio(NewPermissions(), 100)
	buf := make([]int16, 10)

	done := make(chan int, 1)
	go func() {
		n, _ := a.ReadFrame(context.Background(), buf)
		done <- n
	}()

	a.Write(make([]int16, 4))
	select {
	case <-done:
		t.Fatal("ReadFrame returned before a full frame")
	case <-time.After(20 * time.Millisecond):
	}

	a.Write([]int16{1, 2, 3, 4, 5, 6, 7})
	select {
	case n := <-done:
		if n != 10 {
			t.Errorf("n = %d, want 10", n)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadFrame did not return")
	}
	if len(a.buf) != 1 {
		t.Errorf("leftover = %d samples, want 1", len(a.buf))
	}
}

func TestAudio_DropsOldest(t *testing.T) {
	a := NewAudio(nil, 4)
	a.Write([]int16{1, 2, 3})
	a.Write([]int16{4, 5, 6})

	buf := make([]int16, 4)
	n, err := a.ReadFrame(context.Background(), buf)
	if err != nil || n != 4 {
		t.Fatalf("ReadFrame() = %d, %v", n, err)
	}
	if buf[0] != 3 || buf[3] != 6 {
		t.Errorf("buf = %v, want [3 4 5 6]", buf)
	}
}

func TestAudio_CancelAndClose(t *testing.T) {
	a := NewAudio(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := a.ReadFrame(ctx, make([]int16, 8)); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadFrame() error = %v", err)
	}

	a.Write([]int16{1, 2})
	a.Close()
	n, err := a.ReadFrame(context.Background(), make([]int16, 8))
	if err != nil || n != 2 {
		t.Errorf("ReadFrame() after Close = %d, %v", n, err)
	}

	// Drained and closed: the stream is over.
	n, err = a.ReadFrame(context.Background(), make([]int16, 8))
	if !errors.Is(err, io.EOF) || n != 0 {
		t.Errorf("ReadFrame() on drained source = %d, %v, want io.EOF", n, err)
	}
}
