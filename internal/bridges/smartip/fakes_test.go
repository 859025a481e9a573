package smartip

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"
)

// deviceCall records one request seen by fakeDevice.
type deviceCall struct {
	Method  string
	Path    string
	Payload map[string]any
}

// fakeDevice is an in-memory SmartIP device implementing Transport.
type fakeDevice struct {
	mu sync.Mutex

	level    float64
	mute     bool
	power    string
	inputs   []string
	led      int
	rj45     bool
	hideClip bool
	profiles []Profile
	selected int
	cpuT     float64
	uptime   float64

	noInfo     bool
	noLED      bool
	noProfiles bool
	noAoIP     bool

	// failOnce fails the next GET of each listed path, then forgets it.
	failOnce map[string]error

	// err fails every request; getErr fails GETs only.
	err    error
	getErr error
	// failGetsAfterPut makes every GET after a PUT fail with this error.
	failGetsAfterPut error
	putSeen          bool
	// omitField drops a field from the /audio/volume response.
	omitField string

	// block, when set, holds PUTs until closed.
	block chan struct{}

	calls       []deviceCall
	inFlight    int
	maxInFlight int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		level:  -30,
		power:  rawPowerActive,
		inputs: []string{InputAnalog},
		led:    50,
		rj45:   true,
		profiles: []Profile{
			{ID: 0, Name: "Default"},
			{ID: 1, Name: "Mixing"},
			{ID: 2, Name: "Mastering"},
		},
		selected: 0,
		cpuT:     45.5,
		uptime:   1000,
	}
}

func timeoutErr(method, path string) error {
	return &TransportError{Kind: KindTimeout, Method: method, Path: path, Err: context.DeadlineExceeded}
}

func notFound(method, path string) error {
	return &TransportError{Kind: KindHTTPStatus, Method: method, Path: path, Code: http.StatusNotFound}
}

func (d *fakeDevice) set(fn func(d *fakeDevice)) {
	d.mu.Lock()
	fn(d)
	d.mu.Unlock()
}

func (d *fakeDevice) Execute(_ context.Context, method, path string, payload any, _ time.Duration) ([]byte, error) {
	d.mu.Lock()
	call := deviceCall{Method: method, Path: path}
	if m, ok := payload.(map[string]any); ok {
		call.Payload = m
	}
	d.calls = append(d.calls, call)
	d.inFlight++
	d.maxInFlight = max(d.maxInFlight, d.inFlight)
	block := d.block
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	if method == http.MethodPut && block != nil {
		<-block
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	if method == http.MethodGet {
		if d.getErr != nil {
			return nil, d.getErr
		}
		if err, ok := d.failOnce[path]; ok {
			delete(d.failOnce, path)
			return nil, err
		}
		if d.putSeen && d.failGetsAfterPut != nil {
			return nil, d.failGetsAfterPut
		}
		return d.get(method, path)
	}
	d.putSeen = true
	return d.put(method, path, call.Payload)
}

func (d *fakeDevice) get(method, path string) ([]byte, error) {
	var body any
	switch path {
	case pathDeviceInfo:
		if d.noInfo {
			return nil, notFound(method, path)
		}
		body = map[string]any{"model": "8341A", "fwId": "2.4.1", "apiVer": "v1", "category": "SAM_3WAY", "hwId": "hw-42"}
	case pathDeviceID:
		body = map[string]any{"mac": "00:11:22:33:44:55", "barcode": "SN123", "hwId": "hw-42"}
	case pathNetworkIPv4:
		body = map[string]any{"hostname": "genelec-8341", "ip": "10.0.0.5", "mode": "dhcp"}
	case pathNetworkZone:
		body = map[string]any{"name": "Studio", "zone": 3}
	case pathAoIPIdentity:
		if d.noAoIP {
			return nil, notFound(method, path)
		}
		body = map[string]any{"name": "gen-8341", "fname": "Left", "sampleRate": 48000, "channels": 2}
	case pathAoIPIPv4:
		body = map[string]any{"ip": "10.0.1.5", "mode": "static"}
	case pathDeviceLED:
		if d.noLED {
			return nil, notFound(method, path)
		}
		body = map[string]any{"ledIntensity": d.led, "rj45Leds": d.rj45, "hideClip": d.hideClip}
	case pathProfileList:
		if d.noProfiles {
			return nil, notFound(method, path)
		}
		body = map[string]any{"list": d.profiles, "selected": d.selected, "startup": 0}
	case pathAudioVolume:
		m := map[string]any{"level": d.level, "mute": d.mute}
		delete(m, d.omitField)
		body = m
	case pathDevicePower:
		body = map[string]any{"state": d.power}
	case pathAudioInputs:
		body = map[string]any{"input": d.inputs}
	case pathEvents:
		body = map[string]any{"cpuT": d.cpuT, "cpuLoad": 12.5, "uptime": d.uptime, "inLevel": -18.0}
	default:
		return nil, notFound(method, path)
	}
	return json.Marshal(body)
}

func (d *fakeDevice) put(method, path string, p map[string]any) ([]byte, error) {
	switch path {
	case pathAudioVolume:
		if v, ok := p["level"].(float64); ok {
			d.level = v
		}
		if v, ok := p["mute"].(bool); ok {
			d.mute = v
		}
	case pathAudioInputs:
		if v, ok := p["input"].([]string); ok {
			d.inputs = v
		}
	case pathDevicePower:
		if v, ok := p["state"].(string); ok {
			d.power = v
		}
	case pathDeviceLED:
		if v, ok := p["ledIntensity"].(int); ok {
			d.led = v
		}
		if v, ok := p["rj45Leds"].(bool); ok {
			d.rj45 = v
		}
		if v, ok := p["hideClip"].(bool); ok {
			d.hideClip = v
		}
	case pathProfileRestore:
		if v, ok := p["id"].(int); ok {
			d.selected = v
		}
	default:
		return nil, notFound(method, path)
	}
	return []byte(`{}`), nil
}

// Calls returns a copy of the recorded requests.
func (d *fakeDevice) Calls() []deviceCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]deviceCall(nil), d.calls...)
}

// Puts returns only the state-changing requests.
func (d *fakeDevice) Puts() []deviceCall {
	var puts []deviceCall
	for _, c := range d.Calls() {
		if c.Method == http.MethodPut {
			puts = append(puts, c)
		}
	}
	return puts
}

func (d *fakeDevice) ResetCalls() {
	d.mu.Lock()
	d.calls = nil
	d.putSeen = false
	d.mu.Unlock()
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingMetrics captures Metrics calls.
type recordingMetrics struct {
	mu       sync.Mutex
	polls    map[string]int
	commands map[string]int
	states   []string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{polls: map[string]int{}, commands: map[string]int{}}
}

func (m *recordingMetrics) ObservePoll(_ string, result string, _ time.Duration) {
	m.mu.Lock()
	m.polls[result]++
	m.mu.Unlock()
}

func (m *recordingMetrics) ObserveCommand(_ string, command, result string, _ time.Duration) {
	m.mu.Lock()
	m.commands[command+":"+result]++
	m.mu.Unlock()
}

func (m *recordingMetrics) SetLinkState(_ string, state string) {
	m.mu.Lock()
	m.states = append(m.states, state)
	m.mu.Unlock()
}

func (m *recordingMetrics) States() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.states...)
}

// newTestCoordinator builds a coordinator on dev whose poll loop never fires
// on its own; tests drive it with Refresh.
func newTestCoordinator(t *testing.T, id string, dev *fakeDevice, mutate ...func(*CoordinatorOptions)) *Coordinator {
	t.Helper()
	opts := CoordinatorOptions{
		ID:               id,
		Endpoint:         DeviceEndpoint{Address: "10.0.0." + id, Port: 9000, Scheme: "http"},
		Transport:        dev,
		PollInterval:     time.Hour,
		RequestTimeout:   time.Second,
		FailureThreshold: DefaultFailureThreshold,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		c.Wait()
	})
	return c
}

// mustRefresh runs Refresh and fails the test on error.
func mustRefresh(t *testing.T, c *Coordinator) {
	t.Helper()
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
}

// startAfterRefresh brings c online, then starts its command loop. The
// poller's first scheduled cycle is an hour away.
func startAfterRefresh(t *testing.T, c *Coordinator) {
	t.Helper()
	mustRefresh(t, c)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// receive waits for the next update on sub.
func receive(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		if !ok {
			t.Fatal("subscription closed")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for update")
	}
	return Update{}
}

// expectNoUpdate asserts nothing is pending on sub.
func expectNoUpdate(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case u := <-sub.Updates():
		t.Fatalf("unexpected update: reason=%s state=%s", u.Reason, u.State)
	case <-time.After(20 * time.Millisecond):
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
