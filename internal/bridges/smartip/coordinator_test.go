package smartip

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestNewCoordinator_RequiresID(t *testing.T) {
	_, err := NewCoordinator(CoordinatorOptions{Transport: newFakeDevice()})
	if err == nil {
		t.Fatal("NewCoordinator() without id should fail")
	}
}

func TestNewCoordinator_InvalidEndpoint(t *testing.T) {
	_, err := NewCoordinator(CoordinatorOptions{ID: "x", Endpoint: DeviceEndpoint{Address: "10.0.0.1", Port: 9000, Scheme: "ftp"}})
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("NewCoordinator() error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestCoordinator_FirstRefreshProbesAndGoesOnline(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)

	if c.State() != StateConnecting {
		t.Fatalf("initial State() = %s, want connecting", c.State())
	}
	if _, ok := c.Snapshot(); ok {
		t.Fatal("Snapshot() ok before first poll")
	}

	mustRefresh(t, c)

	if c.State() != StateOnline {
		t.Errorf("State() = %s, want online", c.State())
	}
	snap, ok := c.Snapshot()
	if !ok {
		t.Fatal("Snapshot() not available after refresh")
	}
	if snap.VolumeDB != -30 || snap.Muted || snap.Power != PowerAwake || snap.ActiveInput != InputAnalog {
		t.Errorf("Snapshot() = %+v", snap)
	}
	if snap.TemperatureC != 45.5 || snap.UptimeSeconds != 1000 {
		t.Errorf("events not applied: temp=%v uptime=%v", snap.TemperatureC, snap.UptimeSeconds)
	}
	if snap.Levels.InputLevel == nil || *snap.Levels.InputLevel != -18 {
		t.Errorf("Levels.InputLevel = %v, want -18", snap.Levels.InputLevel)
	}
	if snap.Levels.BassLevel != nil {
		t.Errorf("Levels.BassLevel = %v, want nil", *snap.Levels.BassLevel)
	}
	if snap.LEDIntensity == nil || *snap.LEDIntensity != 50 {
		t.Errorf("LEDIntensity = %v, want 50", snap.LEDIntensity)
	}
	if snap.ClipLED == nil || !*snap.ClipLED {
		t.Errorf("ClipLED = %v, want true", snap.ClipLED)
	}
	if snap.ActiveProfile == nil || *snap.ActiveProfile != 0 || len(snap.Profiles) != 3 {
		t.Errorf("profiles = %v active %v", snap.Profiles, snap.ActiveProfile)
	}
	if snap.Info.Model != "8341A" || snap.Info.MAC != "00:11:22:33:44:55" || snap.Info.ZoneName != "Studio" {
		t.Errorf("Info = %+v", snap.Info)
	}
	if snap.Dante == nil || snap.Dante.SampleRate != 48000 || snap.Dante.IP != "10.0.1.5" {
		t.Errorf("Dante = %+v", snap.Dante)
	}
	if snap.Stale || snap.Reachability != ReachOnline {
		t.Errorf("Stale = %v Reachability = %s", snap.Stale, snap.Reachability)
	}

	caps := c.Capabilities()
	if !caps.Probed || caps.LED != Supported || caps.Profiles != Supported || caps.AoIP != Supported {
		t.Errorf("Capabilities() = %+v", caps)
	}
	if !slices.Equal(caps.KnownProfile, []int{0, 1, 2}) {
		t.Errorf("KnownProfile = %v", caps.KnownProfile)
	}
}

func TestCoordinator_ProbeMarksMissingEndpointsUnsupported(t *testing.T) {
	dev := newFakeDevice()
	dev.noLED, dev.noProfiles, dev.noAoIP = true, true, true
	c := newTestCoordinator(t, "1", dev)

	mustRefresh(t, c)

	caps := c.Capabilities()
	if caps.LED != Unsupported || caps.Profiles != Unsupported || caps.AoIP != Unsupported {
		t.Errorf("Capabilities() = %+v, want no optional features", caps)
	}
	snap, _ := c.Snapshot()
	if snap.LEDIntensity != nil || snap.Profiles != nil || snap.Dante != nil {
		t.Errorf("snapshot carries unsupported fields: %+v", snap)
	}

	_, err := c.Issue(context.Background(), SetLEDIntensity(10))
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Reason != ReasonUnsupported {
		t.Errorf("Issue(led) error = %v, want unsupported", err)
	}
}

func TestCoordinator_ProbeRetriesTransientOptionalFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.failOnce = map[string]error{
		pathDeviceLED: &TransportError{Kind: KindHTTPStatus, Method: http.MethodGet, Path: pathDeviceLED, Code: http.StatusServiceUnavailable},
	}
	c := newTestCoordinator(t, "1", dev)
	startAfterRefresh(t, c)

	if c.State() != StateOnline {
		t.Fatalf("State() = %s, want online", c.State())
	}
	caps := c.Capabilities()
	if caps.Probed || caps.LED != SupportUnknown {
		t.Fatalf("after 503 Capabilities() = %+v, want LED unknown and not probed", caps)
	}
	if caps.Profiles != Supported || caps.AoIP != Supported {
		t.Errorf("other features = %+v, want supported", caps)
	}

	res, err := c.Issue(context.Background(), SetLEDIntensity(40))
	if err != nil {
		t.Fatalf("Issue(led) error = %v", err)
	}
	if !res.Refreshed {
		t.Error("Refreshed = false, want true")
	}

	caps = c.Capabilities()
	if !caps.Probed || caps.LED != Supported {
		t.Errorf("after retry Capabilities() = %+v, want LED supported and probed", caps)
	}
	snap, _ := c.Snapshot()
	if snap.LEDIntensity == nil || *snap.LEDIntensity != 40 {
		t.Errorf("LEDIntensity = %v, want 40", snap.LEDIntensity)
	}
}

func TestCoordinator_DeviceInfoIsOptional(t *testing.T) {
	dev := newFakeDevice()
	dev.noInfo = true
	c := newTestCoordinator(t, "1", dev)

	mustRefresh(t, c)

	if c.State() != StateOnline {
		t.Fatalf("State() = %s, want online", c.State())
	}
	snap, _ := c.Snapshot()
	if snap.Info.Model != "" || snap.Info.Firmware != "" {
		t.Errorf("Info = %+v, want no model or firmware", snap.Info)
	}
	if snap.Info.MAC != "00:11:22:33:44:55" || snap.Info.HardwareID != "hw-42" {
		t.Errorf("Info = %+v, want identity from /device/id", snap.Info)
	}
	if !c.Capabilities().Probed {
		t.Error("Probed = false, want true once /device/info returned 404")
	}
}

func TestCoordinator_DeviceInfoFailureRetried(t *testing.T) {
	dev := newFakeDevice()
	dev.failOnce = map[string]error{
		pathDeviceInfo: &TransportError{Kind: KindMalformedResponse, Method: http.MethodGet, Path: pathDeviceInfo},
	}
	c := newTestCoordinator(t, "1", dev)

	mustRefresh(t, c)
	snap, _ := c.Snapshot()
	if c.State() != StateOnline || snap.Info.Model != "" {
		t.Fatalf("State() = %s Model = %q, want online with no model", c.State(), snap.Info.Model)
	}

	mustRefresh(t, c)
	snap, _ = c.Snapshot()
	if snap.Info.Model != "8341A" || snap.Info.Firmware != "2.4.1" {
		t.Errorf("Info = %+v, want model read on retry", snap.Info)
	}
	if !c.Capabilities().Probed {
		t.Error("Probed = false after retry")
	}
}

func TestCoordinator_CancelledRefreshIsNotAFailure(t *testing.T) {
	dev := newFakeDevice()
	metrics := newRecordingMetrics()
	c := newTestCoordinator(t, "1", dev, func(o *CoordinatorOptions) { o.Metrics = metrics })
	mustRefresh(t, c)
	sub := c.Subscribe()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dev.set(func(d *fakeDevice) {
		d.err = &TransportError{Kind: KindNetwork, Method: http.MethodGet, Path: pathAudioVolume, Err: context.Canceled}
	})

	for range DefaultFailureThreshold + 1 {
		if err := c.Refresh(ctx); err == nil {
			t.Fatal("Refresh() with cancelled context should fail")
		}
	}
	if c.State() != StateOnline {
		t.Errorf("State() = %s, want online", c.State())
	}
	if st := c.Stats(); st.PollFailures != 0 || st.LastError != "" {
		t.Errorf("Stats() = %+v, want no recorded failure", st)
	}
	metrics.mu.Lock()
	observed := 0
	for _, n := range metrics.polls {
		observed += n
	}
	metrics.mu.Unlock()
	if observed != 1 {
		t.Errorf("observed %d polls, want only the first", observed)
	}
	expectNoUpdate(t, sub)
}

func TestCoordinator_SetVolumeSendsOnePutThenRefreshes(t *testing.T) {
	dev := newFakeDevice()
	metrics := newRecordingMetrics()
	c := newTestCoordinator(t, "1", dev, func(o *CoordinatorOptions) { o.Metrics = metrics })
	startAfterRefresh(t, c)
	dev.ResetCalls()

	result, err := c.Issue(context.Background(), SetVolume(-10))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	calls := dev.Calls()
	if len(calls) == 0 || calls[0].Method != http.MethodPut || calls[0].Path != pathAudioVolume {
		t.Fatalf("first call = %+v, want PUT %s", calls, pathAudioVolume)
	}
	if calls[0].Payload["level"] != -10.0 {
		t.Errorf("PUT payload = %v, want level -10", calls[0].Payload)
	}
	if n := len(dev.Puts()); n != 1 {
		t.Errorf("PUT count = %d, want 1", n)
	}
	for _, call := range calls[1:] {
		if call.Method != http.MethodGet {
			t.Errorf("follow-up call %s %s, want GET", call.Method, call.Path)
		}
	}

	if !result.Refreshed || !result.HasSnapshot || result.Snapshot.VolumeDB != -10 {
		t.Errorf("result = refreshed %v snapshot %v volume %v", result.Refreshed, result.HasSnapshot, result.Snapshot.VolumeDB)
	}
	if result.ID == "" || result.DeviceID != "1" || result.State != StateOnline {
		t.Errorf("result = %+v", result)
	}
	if snap, _ := c.Snapshot(); snap.VolumeDB != -10 {
		t.Errorf("Snapshot().VolumeDB = %v, want -10", snap.VolumeDB)
	}
	if c.Stats().Commands != 1 {
		t.Errorf("Stats().Commands = %d, want 1", c.Stats().Commands)
	}
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.commands["set_volume:ok"] != 1 {
		t.Errorf("metrics commands = %v", metrics.commands)
	}
}

func TestCoordinator_ValidationMakesNoNetworkCall(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)
	startAfterRefresh(t, c)
	dev.ResetCalls()

	_, err := c.Issue(context.Background(), SetLEDIntensity(150))
	if !IsOutOfRange(err) {
		t.Fatalf("Issue() error = %v, want out of range", err)
	}
	if n := len(dev.Calls()); n != 0 {
		t.Errorf("device saw %d calls, want 0", n)
	}
}

func TestCoordinator_VolumeStepNeedsSnapshot(t *testing.T) {
	dev := newFakeDevice()
	dev.getErr = timeoutErr(http.MethodGet, pathDeviceInfo)
	c := newTestCoordinator(t, "1", dev)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	_, err := c.Issue(context.Background(), VolumeUp())
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("Issue(volume_up) error = %v, want ErrNoSnapshot", err)
	}

	dev.set(func(d *fakeDevice) { d.getErr = nil })
	mustRefresh(t, c)
	result, err := c.Issue(context.Background(), VolumeUp())
	if err != nil {
		t.Fatalf("Issue(volume_up) error = %v", err)
	}
	if result.Snapshot.VolumeDB != -29 {
		t.Errorf("VolumeDB = %v, want -29", result.Snapshot.VolumeDB)
	}

	dev.set(func(d *fakeDevice) { d.level = 0 })
	mustRefresh(t, c)
	result, err = c.Issue(context.Background(), VolumeUp())
	if err != nil {
		t.Fatalf("Issue(volume_up) at max error = %v", err)
	}
	if result.Snapshot.VolumeDB != 0 {
		t.Errorf("VolumeDB = %v, want clamped to 0", result.Snapshot.VolumeDB)
	}
}

func TestCoordinator_TimeoutsTakeOnlineDeviceOffline(t *testing.T) {
	dev := newFakeDevice()
	metrics := newRecordingMetrics()
	c := newTestCoordinator(t, "1", dev, func(o *CoordinatorOptions) { o.Metrics = metrics })
	mustRefresh(t, c)
	sub := c.Subscribe()
	defer sub.Unsubscribe()

	dev.set(func(d *fakeDevice) { d.err = timeoutErr(http.MethodGet, pathAudioVolume) })

	want := []LinkState{StateDegraded, StateDegraded, StateOffline}
	for i, w := range want {
		err := c.Refresh(context.Background())
		var te *TransportError
		if !errors.As(err, &te) || te.Kind != KindTimeout {
			t.Fatalf("Refresh() %d error = %v, want timeout", i, err)
		}
		if c.State() != w {
			t.Fatalf("after failure %d State() = %s, want %s", i+1, c.State(), w)
		}
	}

	// Two transitions were notified: online->degraded, degraded->offline.
	if u := receive(t, sub); u.State != StateDegraded || u.Reason != ReasonTransition {
		t.Errorf("update 1 = %s/%s, want degraded/transition", u.State, u.Reason)
	}
	u := receive(t, sub)
	if u.State != StateOffline {
		t.Errorf("update 2 state = %s, want offline", u.State)
	}
	expectNoUpdate(t, sub)

	snap, ok := c.Snapshot()
	if !ok {
		t.Fatal("snapshot discarded on failure")
	}
	if !snap.Stale || snap.Reachability != ReachOffline || snap.VolumeDB != -30 {
		t.Errorf("Snapshot() = stale %v reach %s volume %v", snap.Stale, snap.Reachability, snap.VolumeDB)
	}
	if !u.HasSnapshot || !u.Snapshot.Stale {
		t.Error("offline update should carry the stale snapshot")
	}
	if c.Capabilities().Probed {
		t.Error("Capabilities().Probed should reset when offline")
	}
	if !slices.Contains(metrics.States(), string(StateOffline)) {
		t.Errorf("metrics states = %v, want offline", metrics.States())
	}

	// Recovery re-probes and returns online with one success.
	dev.set(func(d *fakeDevice) { d.err = nil })
	dev.ResetCalls()
	mustRefresh(t, c)
	if c.State() != StateOnline {
		t.Errorf("State() after recovery = %s, want online", c.State())
	}
	if calls := dev.Calls(); len(calls) == 0 || calls[0].Path != pathDeviceInfo {
		t.Errorf("recovery did not re-probe: %v", calls)
	}
	if snap, _ := c.Snapshot(); snap.Stale {
		t.Error("snapshot still stale after recovery")
	}
}

func TestCoordinator_ConnectingGoesOfflineAfterThreshold(t *testing.T) {
	dev := newFakeDevice()
	dev.err = &TransportError{Kind: KindConnectionRefused, Method: http.MethodGet, Path: pathDeviceInfo}
	c := newTestCoordinator(t, "1", dev)

	for i := 0; i < 2; i++ {
		_ = c.Refresh(context.Background())
		if c.State() != StateConnecting {
			t.Fatalf("after %d failures State() = %s, want connecting", i+1, c.State())
		}
	}
	_ = c.Refresh(context.Background())
	if c.State() != StateOffline {
		t.Errorf("State() = %s, want offline", c.State())
	}
	if c.Stats().PollFailures != 3 {
		t.Errorf("Stats().PollFailures = %d, want 3", c.Stats().PollFailures)
	}
}

func TestCoordinator_ProtocolErrorFailsWholeCycle(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)
	mustRefresh(t, c)

	dev.set(func(d *fakeDevice) {
		d.omitField = "mute"
		d.level = -5
	})
	err := c.Refresh(context.Background())
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Field != "mute" {
		t.Fatalf("Refresh() error = %v, want protocol error on mute", err)
	}
	snap, _ := c.Snapshot()
	if snap.VolumeDB != -30 {
		t.Errorf("partial cycle leaked into snapshot: VolumeDB = %v", snap.VolumeDB)
	}
	if c.State() != StateDegraded {
		t.Errorf("State() = %s, want degraded", c.State())
	}
}

func TestCoordinator_CommandsRunInArrivalOrder(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)
	startAfterRefresh(t, c)
	dev.ResetCalls()

	block := make(chan struct{})
	dev.set(func(d *fakeDevice) { d.block = block })

	levels := []float64{-20, -21, -22, -23}
	var wg sync.WaitGroup
	errs := make([]error, len(levels))
	for i, level := range levels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Issue(context.Background(), SetVolume(level))
		}()
		if i == 0 {
			waitFor(t, "first PUT in flight", func() bool { return len(dev.Puts()) == 1 })
		} else {
			// Let the goroutine reach the queue before the next one starts.
			time.Sleep(20 * time.Millisecond)
		}
	}
	close(block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Issue(%v) error = %v", levels[i], err)
		}
	}
	puts := dev.Puts()
	if len(puts) != len(levels) {
		t.Fatalf("PUT count = %d, want %d", len(puts), len(levels))
	}
	for i, p := range puts {
		if p.Payload["level"] != levels[i] {
			t.Errorf("PUT %d level = %v, want %v", i, p.Payload["level"], levels[i])
		}
	}
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.maxInFlight != 1 {
		t.Errorf("max concurrent requests = %d, want 1", dev.maxInFlight)
	}
}

func TestCoordinator_RefreshFailureAfterCommandStillSucceeds(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)
	startAfterRefresh(t, c)
	dev.ResetCalls()
	dev.set(func(d *fakeDevice) { d.failGetsAfterPut = timeoutErr(http.MethodGet, pathAudioVolume) })

	result, err := c.Issue(context.Background(), SetMute(true))
	if err != nil {
		t.Fatalf("Issue() error = %v, want success", err)
	}
	if result.Refreshed {
		t.Error("result.Refreshed = true, want false")
	}
	if result.State != StateDegraded || c.State() != StateDegraded {
		t.Errorf("State = %s/%s, want degraded", result.State, c.State())
	}
	snap, _ := c.Snapshot()
	if !snap.Stale || snap.Muted {
		t.Errorf("snapshot = stale %v muted %v, want stale unmuted", snap.Stale, snap.Muted)
	}
}

func TestCoordinator_CommandTransportFailure(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)
	startAfterRefresh(t, c)
	c.Poller().Stop()
	c.Poller().Wait()

	dev.set(func(d *fakeDevice) {
		d.err = &TransportError{Kind: KindHTTPStatus, Method: http.MethodPut, Path: pathDevicePower, Code: http.StatusServiceUnavailable}
	})
	_, err := c.Issue(context.Background(), SetStandby())
	var te *TransportError
	if !errors.As(err, &te) || !te.Busy() {
		t.Fatalf("Issue() error = %v, want busy", err)
	}
	if c.State() != StateOnline {
		t.Errorf("State() = %s, command failures must not advance the link state", c.State())
	}
	if c.Stats().CommandFailures != 1 {
		t.Errorf("Stats().CommandFailures = %d, want 1", c.Stats().CommandFailures)
	}
}

func TestCoordinator_RestoreUnknownProfileIsUnverified(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)
	startAfterRefresh(t, c)

	result, err := c.Issue(context.Background(), RestoreProfile(4, false))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !result.Unverified {
		t.Error("result.Unverified = false for unlisted profile")
	}
	if n := len(dev.Puts()); n != 1 {
		t.Errorf("PUT count = %d, want 1", n)
	}

	result, err = c.Issue(context.Background(), RestoreProfile(2, true))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if result.Unverified {
		t.Error("result.Unverified = true for listed profile")
	}
	if result.Snapshot.ActiveProfile == nil || *result.Snapshot.ActiveProfile != 2 {
		t.Errorf("ActiveProfile = %v, want 2", result.Snapshot.ActiveProfile)
	}
}

func TestCoordinator_OutOfOrderSnapshotDiscarded(t *testing.T) {
	dev := newFakeDevice()
	clock := newFakeClock()
	c := newTestCoordinator(t, "1", dev, func(o *CoordinatorOptions) { o.Clock = clock.Now })
	mustRefresh(t, c)
	first, _ := c.Snapshot()

	clock.Advance(-time.Minute)
	dev.set(func(d *fakeDevice) { d.level = -50 })
	mustRefresh(t, c)

	snap, _ := c.Snapshot()
	if snap.VolumeDB != -30 || !snap.UpdatedAt.Equal(first.UpdatedAt) {
		t.Errorf("older snapshot replaced newer: volume %v at %v", snap.VolumeDB, snap.UpdatedAt)
	}
	if c.Stats().Discarded != 1 {
		t.Errorf("Stats().Discarded = %d, want 1", c.Stats().Discarded)
	}

	clock.Advance(2 * time.Minute)
	mustRefresh(t, c)
	if snap, _ := c.Snapshot(); snap.VolumeDB != -50 {
		t.Errorf("VolumeDB = %v, want -50", snap.VolumeDB)
	}
}

func TestCoordinator_NotifiesOnlyOnChange(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)
	sub := c.Subscribe()
	defer sub.Unsubscribe()

	mustRefresh(t, c)
	u := receive(t, sub)
	if u.State != StateOnline || !u.HasSnapshot || u.Reason != ReasonPoll {
		t.Errorf("first update = %s/%s has=%v", u.State, u.Reason, u.HasSnapshot)
	}

	mustRefresh(t, c)
	expectNoUpdate(t, sub)

	dev.set(func(d *fakeDevice) { d.uptime += 5 })
	mustRefresh(t, c)
	u = receive(t, sub)
	if u.Snapshot.UptimeSeconds != 1005 {
		t.Errorf("UptimeSeconds = %d, want 1005", u.Snapshot.UptimeSeconds)
	}
}

func TestCoordinator_ManySubscribersShareOnePoll(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)
	a, b := c.Subscribe(), c.Subscribe()
	defer a.Unsubscribe()
	defer b.Unsubscribe()

	mustRefresh(t, c)
	dev.ResetCalls()
	dev.set(func(d *fakeDevice) { d.mute = true })
	mustRefresh(t, c)

	if n := len(dev.Calls()); n != 6 {
		t.Errorf("one poll cycle made %d calls, want 6", n)
	}
	for _, sub := range []*Subscription{a, b} {
		receive(t, sub)
		if u := receive(t, sub); !u.Snapshot.Muted {
			t.Error("subscriber missed mute change")
		}
	}

	if c.SubscriberCount() != 2 {
		t.Errorf("SubscriberCount() = %d, want 2", c.SubscriberCount())
	}
	a.Unsubscribe()
	a.Unsubscribe()
	if c.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() after Unsubscribe = %d, want 1", c.SubscriberCount())
	}
}

func TestCoordinator_CloseNotifiesAndRejects(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)
	startAfterRefresh(t, c)
	sub := c.Subscribe()

	c.Close()
	c.Close()

	u := receive(t, sub)
	if u.State != StateRemoved || u.Reason != ReasonRemoved || !u.HasSnapshot {
		t.Errorf("final update = %s/%s has=%v", u.State, u.Reason, u.HasSnapshot)
	}
	if _, ok := <-sub.Updates(); ok {
		t.Error("subscription not closed after removal")
	}

	if _, err := c.Issue(context.Background(), WakeUp()); !errors.Is(err, ErrRemoved) {
		t.Errorf("Issue() after Close error = %v, want ErrRemoved", err)
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrRemoved) {
		t.Errorf("Refresh() after Close error = %v, want ErrRemoved", err)
	}
	late := c.Subscribe()
	if _, ok := <-late.Updates(); ok {
		t.Error("Subscribe() after Close returned an open channel")
	}
	if c.Poller().Running() {
		t.Error("poller still running after Close")
	}
}

func TestCoordinator_StartPolls(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev, func(o *CoordinatorOptions) { o.PollInterval = 10 * time.Millisecond })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "device online", func() bool { return c.State() == StateOnline })
	waitFor(t, "repeated polls", func() bool { return c.Stats().Polls >= 3 })

	c.Poller().Stop()
	c.Poller().Wait()
	polls := c.Stats().Polls
	time.Sleep(40 * time.Millisecond)
	if c.Stats().Polls != polls {
		t.Error("polling continued after Stop")
	}

	if !c.Poller().Start(context.Background()) {
		t.Fatal("Poller().Start() after Stop = false")
	}
	waitFor(t, "polling resumed", func() bool { return c.Stats().Polls > polls })
}

func TestCoordinator_OfflineBackoff(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev, func(o *CoordinatorOptions) {
		o.PollInterval = time.Second
		o.MaxBackoff = 4 * time.Second
		o.OfflineBackoff = true
	})
	mustRefresh(t, c)
	if d := c.nextPollDelay(); d != time.Second {
		t.Fatalf("online delay = %v, want 1s", d)
	}

	dev.set(func(d *fakeDevice) { d.err = timeoutErr(http.MethodGet, pathAudioVolume) })
	for i := 0; i < 3; i++ {
		_ = c.Refresh(context.Background())
	}
	if c.State() != StateOffline {
		t.Fatalf("State() = %s, want offline", c.State())
	}

	d1 := c.nextPollDelay()
	d2 := c.nextPollDelay()
	if d1 < 900*time.Millisecond || d1 > 1100*time.Millisecond {
		t.Errorf("first offline delay = %v, want ~1s", d1)
	}
	if d2 < 1800*time.Millisecond || d2 > 2200*time.Millisecond {
		t.Errorf("second offline delay = %v, want ~2s", d2)
	}
	for i := 0; i < 10; i++ {
		if d := c.nextPollDelay(); d > 4*time.Second {
			t.Fatalf("delay %v exceeds max backoff", d)
		}
	}

	dev.set(func(d *fakeDevice) { d.err = nil })
	mustRefresh(t, c)
	if d := c.nextPollDelay(); d != time.Second {
		t.Errorf("delay after recovery = %v, want 1s", d)
	}
}

func TestCoordinator_IssueContextCancelled(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev)
	startAfterRefresh(t, c)

	block := make(chan struct{})
	dev.set(func(d *fakeDevice) { d.block = block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Issue(ctx, WakeUp())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Issue() error = %v, want deadline exceeded", err)
	}
}

func TestCoordinator_Diagnostics(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(t, "1", dev, func(o *CoordinatorOptions) {
		o.Name = "Studio Left"
		o.Endpoint.Username = "admin"
		o.Endpoint.Password = "secret"
	})
	mustRefresh(t, c)

	d := c.Diagnostics()
	if d.DeviceID != "1" || d.Name != "Studio Left" || d.State != StateOnline || d.Snapshot == nil {
		t.Errorf("Diagnostics() = %+v", d)
	}
	if d.Stats.Polls != 1 || d.Stats.LastSuccessAt.IsZero() {
		t.Errorf("Diagnostics().Stats = %+v", d.Stats)
	}
}
