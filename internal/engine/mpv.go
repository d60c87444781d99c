package engine

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const (
	defaultMPVBinary  = "mpv"
	socketWaitRetries = 10
	socketWaitDelay   = 300 * time.Millisecond
	mpvQuitWait       = 2 * time.Second
)

// ParseArgs splits a shell-style argument string, e.g. the MPV_EXTRA_ARGS
// setting, into individual arguments.
func ParseArgs(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse engine arguments: %w", err)
	}
	return args, nil
}

// MPV drives an mpv process over its JSON IPC socket. The process is started
// lazily on the first Load/Play/Pause so that configuration set before that
// (render target, volume, proxy) lands on the command line.
type MPV struct {
	typ  Type
	opts Options
	sink Sink
	log  *slog.Logger

	mu         sync.Mutex
	closed     bool
	cmd        *exec.Cmd
	exited     chan struct{}
	socketPath string
	ipc        *ipcClient
	listener   *eventListener

	uri       string
	subtitle  string
	volume    int
	mute      bool
	scale     ScaleMode
	target    RenderTarget
	rect      Rect
	proxy     Proxy
	loaded    bool
	state     PlayState
	recording string
	seeking   bool
	buffering bool
}

// NewMPV constructs an mpv engine for generic streams.
func NewMPV(opts Options) (Engine, error) {
	m, err := newMPV(Normal, opts)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewBroadcastMPV constructs an mpv engine for broadcast locators, which are
// played through mpv's DVB input.
func NewBroadcastMPV(opts Options) (Engine, error) {
	m, err := newMPV(Broadcast, opts)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func newMPV(t Type, opts Options) (*MPV, error) {
	if opts.MPVBinary == "" {
		opts.MPVBinary = defaultMPVBinary
	}
	if _, err := exec.LookPath(opts.MPVBinary); err != nil {
		return nil, fmt.Errorf("mpv binary: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = func(Event) {}
	}
	return &MPV{
		typ:    t,
		opts:   opts,
		sink:   sink,
		log:    log,
		volume: 50,
		scale:  ScaleKeepAspect,
		target: RenderTarget{Type: TargetNone},
	}, nil
}

func (m *MPV) Type() Type { return m.typ }

// mediaURL maps broadcast locators onto mpv's dvb:// input.
func (m *MPV) mediaURL() string {
	if m.typ == Broadcast && len(m.uri) >= len(BroadcastScheme) {
		return "dvb://" + m.uri[len(BroadcastScheme):]
	}
	return m.uri
}

func (m *MPV) runningLocked() bool {
	if m.cmd == nil {
		return false
	}
	select {
	case <-m.exited:
		return false
	default:
		return true
	}
}

func (m *MPV) startLocked() error {
	if m.runningLocked() {
		return nil
	}
	if m.cmd != nil {
		// previous process died; start over
		m.teardownProcessLocked()
	}

	dir := m.opts.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Errorf("generate socket name: %w", err)
	}
	m.socketPath = filepath.Join(dir, "mediabroker-"+hex.EncodeToString(randomBytes)+".sock")

	args := []string{
		"--idle=yes",
		"--no-terminal",
		"--really-quiet",
		"--input-ipc-server=" + m.socketPath,
		fmt.Sprintf("--volume=%d", m.volume),
	}
	if m.mute {
		args = append(args, "--mute=yes")
	}
	args = append(args, targetArgs(m.target)...)
	if m.rect.Width > 0 && m.rect.Height > 0 {
		args = append(args, "--geometry="+geometry(m.rect))
	}
	args = append(args, scaleArgs(m.scale)...)
	if m.proxy.URL != "" {
		proxyURL, err := proxyString(m.proxy)
		if err != nil {
			return err
		}
		args = append(args, "--http-proxy="+proxyURL)
	}
	args = append(args, m.opts.MPVArgs...)

	cmd := exec.Command(m.opts.MPVBinary, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start mpv: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	m.cmd, m.exited = cmd, exited

	if err := m.waitForSocketLocked(); err != nil {
		m.log.Warn("killing mpv: socket never became ready", slog.String("socket", m.socketPath))
		m.teardownProcessLocked()
		return fmt.Errorf("mpv socket not ready: %w", err)
	}

	m.ipc = &ipcClient{socketPath: m.socketPath}
	m.listener = newEventListener(m.socketPath, m, m.log)
	if err := m.listener.Start(); err != nil {
		m.teardownProcessLocked()
		return err
	}
	m.log.Info("mpv started", slog.Int("pid", cmd.Process.Pid), slog.String("socket", m.socketPath))
	return nil
}

func (m *MPV) waitForSocketLocked() error {
	for i := 0; i < socketWaitRetries; i++ {
		time.Sleep(socketWaitDelay)
		select {
		case <-m.exited:
			return errors.New("mpv exited before socket was ready")
		default:
		}
		conn, err := net.Dial("unix", m.socketPath)
		if err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("socket %s not ready after %d attempts", m.socketPath, socketWaitRetries)
}

// teardownProcessLocked kills the process without waiting for the listener;
// it is only used on start failures, before the listener can call back.
func (m *MPV) teardownProcessLocked() {
	if m.cmd != nil && m.cmd.Process != nil && m.runningLocked() {
		_ = m.cmd.Process.Kill()
		<-m.exited
	}
	if m.socketPath != "" {
		_ = os.Remove(m.socketPath)
	}
	m.cmd, m.ipc, m.listener = nil, nil, nil
	m.loaded = false
	m.state = StateNull
}

func (m *MPV) loadLocked(pause bool) error {
	if m.closed {
		return ErrClosed
	}
	if m.uri == "" {
		return errNotLoaded
	}
	if err := m.startLocked(); err != nil {
		return err
	}
	if m.loaded {
		return nil
	}
	if err := m.ipc.setProperty("pause", pause); err != nil {
		return err
	}
	if m.subtitle != "" {
		if _, err := m.ipc.call("change-list", "sub-files", "set", m.subtitle); err != nil {
			return err
		}
	}
	if _, err := m.ipc.call("loadfile", m.mediaURL(), "replace"); err != nil {
		return err
	}
	m.loaded = true
	if m.state == StateNull {
		m.state = StateReady
	}
	return nil
}

func (m *MPV) setStateLocked(s PlayState) {
	if m.state == s {
		return
	}
	m.state = s
	m.sink(NewStateEvent(s))
}

func (m *MPV) SetSource(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if uri == "" {
		return errors.New("empty source")
	}
	m.uri = uri
	if m.loaded {
		if _, err := m.ipc.call("loadfile", m.mediaURL(), "replace"); err != nil {
			return err
		}
	}
	return nil
}

func (m *MPV) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(true)
}

func (m *MPV) Play() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasLoaded := m.loaded
	if err := m.loadLocked(false); err != nil {
		return err
	}
	if wasLoaded {
		if err := m.ipc.setProperty("pause", false); err != nil {
			return err
		}
	}
	m.setStateLocked(StatePlaying)
	return nil
}

func (m *MPV) Pause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasLoaded := m.loaded
	if err := m.loadLocked(true); err != nil {
		return err
	}
	if wasLoaded {
		if err := m.ipc.setProperty("pause", true); err != nil {
			return err
		}
	}
	m.setStateLocked(StatePaused)
	return nil
}

func (m *MPV) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.loaded {
		return nil
	}
	if _, err := m.ipc.call("stop"); err != nil {
		return err
	}
	m.loaded = false
	m.recording = ""
	m.sink(NewEvent(EventStopped))
	m.setStateLocked(StateNull)
	return nil
}

func (m *MPV) State() (PlayState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return StateNull, ErrClosed
	}
	return m.state, nil
}

func (m *MPV) loadedIPC() (*ipcClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if !m.loaded {
		return nil, errNotLoaded
	}
	return m.ipc, nil
}

func (m *MPV) durationProperty(name string) (time.Duration, error) {
	ipc, err := m.loadedIPC()
	if err != nil {
		return 0, err
	}
	secs, err := ipc.floatProperty(name)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (m *MPV) Position() (time.Duration, error) {
	return m.durationProperty("time-pos")
}

func (m *MPV) Duration() (time.Duration, error) {
	if m.typ == Broadcast {
		if _, err := m.loadedIPC(); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return m.durationProperty("duration")
}

func (m *MPV) Seek(pos time.Duration) error {
	if m.typ == Broadcast {
		return ErrUnsupported
	}
	ipc, err := m.loadedIPC()
	if err != nil {
		return err
	}
	_, err = ipc.call("seek", pos.Seconds(), "absolute")
	return err
}

// applyLocked runs fn against the live process, if there is one. Settings
// made before the process starts are passed on its command line instead.
func (m *MPV) applyLocked(fn func(ipc *ipcClient) error) error {
	if m.closed {
		return ErrClosed
	}
	if !m.runningLocked() || m.ipc == nil {
		return nil
	}
	return fn(m.ipc)
}

func (m *MPV) SetVolume(volume int) error {
	if volume < 0 || volume > 100 {
		return fmt.Errorf("volume %d out of range", volume)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.applyLocked(func(ipc *ipcClient) error { return ipc.setProperty("volume", volume) }); err != nil {
		return err
	}
	m.volume = volume
	return nil
}

func (m *MPV) SetMute(mute bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.applyLocked(func(ipc *ipcClient) error { return ipc.setProperty("mute", mute) }); err != nil {
		return err
	}
	m.mute = mute
	return nil
}

func (m *MPV) SetScaleMode(mode ScaleMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown scale mode %q", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.applyLocked(func(ipc *ipcClient) error {
		keepAspect, panscan := scaleProperties(mode)
		if err := ipc.setProperty("keepaspect", keepAspect); err != nil {
			return err
		}
		return ipc.setProperty("panscan", panscan)
	})
	if err != nil {
		return err
	}
	m.scale = mode
	return nil
}

func (m *MPV) SetRenderTarget(target RenderTarget) error {
	if target.Type == "" {
		return errors.New("render target type is empty")
	}
	if _, err := targetArgsChecked(target); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runningLocked() && !sameTarget(m.target, target) {
		return fmt.Errorf("%w: render target cannot change while mpv is running", ErrUnsupported)
	}
	m.target = target
	return nil
}

func (m *MPV) SetOutputRect(rect Rect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.applyLocked(func(ipc *ipcClient) error { return ipc.setProperty("geometry", geometry(rect)) }); err != nil {
		return err
	}
	m.rect = rect
	return nil
}

func (m *MPV) SetSubtitle(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.loaded && uri != "" {
		if _, err := m.ipc.call("sub-add", uri, "select"); err != nil {
			return err
		}
	}
	m.subtitle = uri
	return nil
}

func (m *MPV) SetProxy(proxy Proxy) error {
	proxyURL, err := proxyString(proxy)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.applyLocked(func(ipc *ipcClient) error { return ipc.setProperty("http-proxy", proxyURL) }); err != nil {
		return err
	}
	m.proxy = proxy
	return nil
}

func (m *MPV) Supports(c Capability) bool {
	switch c {
	case CapSeek, CapRate:
		return m.typ == Normal
	case CapRecord, CapTracks, CapBuffer, CapVideo, CapSuspend, CapMetadata:
		return true
	}
	return false
}

func (m *MPV) StartRecording(destination string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return errNotLoaded
	}
	if err := m.ipc.setProperty("stream-record", destination); err != nil {
		return err
	}
	m.recording = destination
	ev := NewEvent(EventRecordingStarted)
	ev.Message = destination
	m.sink(ev)
	return nil
}

func (m *MPV) StopRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recording == "" {
		return errors.New("not recording")
	}
	if m.loaded {
		if err := m.ipc.setProperty("stream-record", ""); err != nil {
			return err
		}
	}
	ev := NewEvent(EventRecordingStopped)
	ev.Message = m.recording
	m.recording = ""
	m.sink(ev)
	return nil
}

func (m *MPV) SetRate(rate float64) error {
	if m.typ == Broadcast {
		return ErrUnsupported
	}
	if rate <= 0 {
		return fmt.Errorf("rate %g must be positive", rate)
	}
	ipc, err := m.loadedIPC()
	if err != nil {
		return err
	}
	return ipc.setProperty("speed", rate)
}

func (m *MPV) Rate() (float64, error) {
	ipc, err := m.loadedIPC()
	if err != nil {
		return 0, err
	}
	return ipc.floatProperty("speed")
}

var mpvTrackTypes = map[TrackKind]string{
	TrackAudio:    "audio",
	TrackVideo:    "video",
	TrackSubtitle: "sub",
}

var mpvTrackProperties = map[TrackKind]string{
	TrackAudio:    "aid",
	TrackVideo:    "vid",
	TrackSubtitle: "sid",
}

func (m *MPV) tracks(kind TrackKind) ([]map[string]any, *ipcClient, error) {
	ipc, err := m.loadedIPC()
	if err != nil {
		return nil, nil, err
	}
	data, err := ipc.call("get_property", "track-list")
	if err != nil {
		return nil, nil, err
	}
	list, ok := data.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("track-list: unexpected value %T", data)
	}
	var out []map[string]any
	for _, item := range list {
		track, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if track["type"] == mpvTrackTypes[kind] {
			out = append(out, track)
		}
	}
	return out, ipc, nil
}

func (m *MPV) TrackCount(kind TrackKind) (int, error) {
	tracks, _, err := m.tracks(kind)
	if err != nil {
		return 0, err
	}
	return len(tracks), nil
}

func (m *MPV) CurrentTrack(kind TrackKind) (int, error) {
	tracks, _, err := m.tracks(kind)
	if err != nil {
		return 0, err
	}
	for i, track := range tracks {
		if selected, _ := track["selected"].(bool); selected {
			return i, nil
		}
	}
	return -1, nil
}

func (m *MPV) SelectTrack(kind TrackKind, index int) error {
	tracks, ipc, err := m.tracks(kind)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(tracks) {
		return fmt.Errorf("%s track %d out of range", kind, index)
	}
	id, ok := tracks[index]["id"].(float64)
	if !ok {
		return fmt.Errorf("%s track %d has no id", kind, index)
	}
	return ipc.setProperty(mpvTrackProperties[kind], int(id))
}

func (m *MPV) BufferDepth() (time.Duration, error) {
	return m.durationProperty("demuxer-cache-duration")
}

func (m *MPV) VideoSize() (int, int, error) {
	ipc, err := m.loadedIPC()
	if err != nil {
		return 0, 0, err
	}
	w, err := ipc.floatProperty("width")
	if err != nil {
		return 0, 0, err
	}
	h, err := ipc.floatProperty("height")
	if err != nil {
		return 0, 0, err
	}
	return int(w), int(h), nil
}

func (m *MPV) Suspend() error {
	ipc, err := m.loadedIPC()
	if err != nil {
		return err
	}
	return ipc.setProperty("vid", "no")
}

func (m *MPV) Restore() error {
	ipc, err := m.loadedIPC()
	if err != nil {
		return err
	}
	if err := ipc.setProperty("vid", "auto"); err != nil {
		return err
	}
	m.sink(NewEvent(EventNeedsTarget))
	return nil
}

func (m *MPV) Metadata() (map[string]string, error) {
	ipc, err := m.loadedIPC()
	if err != nil {
		return nil, err
	}
	data, err := ipc.call("get_property", "metadata")
	if err != nil {
		return nil, err
	}
	raw, _ := data.(map[string]any)
	out := make(map[string]string, len(raw)+2)
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	out["engine"] = "mpv"
	out["type"] = m.typ.String()
	return out, nil
}

func (m *MPV) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cmd, exited, ipc, listener, socket := m.cmd, m.exited, m.ipc, m.listener, m.socketPath
	m.cmd, m.ipc, m.listener = nil, nil, nil
	m.loaded = false
	m.state = StateNull
	m.mu.Unlock()

	// The listener calls back into m under m.mu, so stop it unlocked.
	if listener != nil {
		listener.Stop()
	}
	if cmd != nil {
		if ipc != nil {
			_, _ = ipc.call("quit")
		}
		select {
		case <-exited:
		case <-time.After(mpvQuitWait):
			m.log.Warn("mpv did not quit, killing", slog.Int("pid", cmd.Process.Pid))
			_ = cmd.Process.Kill()
			<-exited
		}
	}
	if socket != "" {
		_ = os.Remove(socket)
	}
	return nil
}

func (m *MPV) handleProperty(name string, data any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	switch name {
	case "pause":
		paused, ok := data.(bool)
		if !ok || !m.loaded {
			return
		}
		if paused {
			m.setStateLocked(StatePaused)
		} else {
			m.setStateLocked(StatePlaying)
		}
	case "seeking":
		seeking, _ := data.(bool)
		if m.seeking && !seeking {
			m.sink(NewEvent(EventSeekComplete))
		}
		m.seeking = seeking
	case "paused-for-cache":
		buffering, _ := data.(bool)
		if buffering && !m.buffering {
			m.sink(NewEvent(EventBufferingStart))
		} else if !buffering && m.buffering {
			m.sink(NewEvent(EventBufferingEnd))
		}
		m.buffering = buffering
	case "track-list":
		if m.loaded {
			m.sink(NewEvent(EventTrackTagChanged))
		}
	}
}

func (m *MPV) handleEvent(msg ipcMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	switch msg.Event {
	case "file-loaded":
		m.sink(NewEvent(EventInitialized))
	case "end-file":
		switch msg.Reason {
		case "eof":
			m.loaded = false
			m.sink(NewEvent(EventEndOfStream))
			m.setStateLocked(StateNull)
		case "error":
			m.loaded = false
			m.sink(NewErrorEvent(fmt.Errorf("playback failed: %s", msg.FileError)))
			m.setStateLocked(StateNull)
		}
	}
}

func targetArgs(target RenderTarget) []string {
	args, _ := targetArgsChecked(target)
	return args
}

func targetArgsChecked(target RenderTarget) ([]string, error) {
	switch target.Type {
	case TargetNone, "":
		return nil, nil
	case "null":
		return []string{"--vo=null"}, nil
	case "window":
		xid := target.Params["xid"]
		if xid == "" {
			return nil, errors.New("window render target requires an xid parameter")
		}
		return []string{"--wid=" + xid}, nil
	default:
		return nil, fmt.Errorf("unsupported render target type %q", target.Type)
	}
}

func sameTarget(a, b RenderTarget) bool {
	if a.Type != b.Type || len(a.Params) != len(b.Params) {
		return false
	}
	for k, v := range a.Params {
		if b.Params[k] != v {
			return false
		}
	}
	return true
}

func scaleProperties(mode ScaleMode) (keepAspect bool, panscan float64) {
	switch mode {
	case ScaleStretch:
		return false, 0
	case ScaleZoom:
		return true, 1
	default:
		return true, 0
	}
}

func scaleArgs(mode ScaleMode) []string {
	keepAspect, panscan := scaleProperties(mode)
	args := []string{fmt.Sprintf("--panscan=%g", panscan)}
	if !keepAspect {
		args = append(args, "--keepaspect=no")
	}
	return args
}

func geometry(r Rect) string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// proxyString renders proxy as a URL with embedded credentials.
func proxyString(p Proxy) (string, error) {
	if p.URL == "" {
		return "", nil
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return "", fmt.Errorf("proxy url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("proxy url %q must be absolute", p.URL)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String(), nil
}
