package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Nsfr750/remote-control/internal/auth"
	"github.com/Nsfr750/remote-control/internal/capture"
	"github.com/Nsfr750/remote-control/internal/crypto"
	"github.com/Nsfr750/remote-control/internal/protocol"
	"github.com/Nsfr750/remote-control/internal/session"
	"github.com/Nsfr750/remote-control/internal/transport"
)

// fakeProvider serves deterministic frames that change on every capture.
type fakeProvider struct {
	mu       sync.Mutex
	captures int
}

func (f *fakeProvider) CaptureScreen(ctx context.Context) (capture.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	data := make([]byte, 4*4*4)
	data[0] = byte(f.captures) // new content each call
	return capture.Frame{Width: 4, Height: 4, Data: data}, nil
}

func (f *fakeProvider) SendMouseEvent(x, y int, button uint8, pressed bool) error { return nil }
func (f *fakeProvider) SendKeyEvent(key string, pressed bool, mods []string) error {
	return nil
}
func (f *fakeProvider) ListDisplays() ([]capture.DisplayInfo, error) {
	return []capture.DisplayInfo{{Index: 0, Width: 1920, Height: 1080}}, nil
}

type testEnv struct {
	port     int
	sessions *session.Manager
	root     string
	cancel   context.CancelFunc
}

func startServer(t *testing.T, tweak func(*Options)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	store, err := auth.OpenStore(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Add("operator", "hunter2secret", true); err != nil {
		t.Fatal(err)
	}

	root := filepath.Join(dir, "files")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}

	sessions := session.NewManager(time.Hour)
	t.Cleanup(sessions.Close)

	opts := Options{
		Store:        store,
		Sessions:     sessions,
		Provider:     &fakeProvider{},
		TransferRoot: root,
	}
	if tweak != nil {
		tweak(&opts)
		if opts.Sessions != sessions {
			sessions = opts.Sessions
			t.Cleanup(sessions.Close)
		}
	}
	srv := New(opts)

	ln, err := transport.Listen(transport.ModeTCP, 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	return &testEnv{port: ln.Port(), sessions: sessions, root: root, cancel: cancel}
}

// client is a minimal protocol peer for tests.
type client struct {
	t    *testing.T
	conn net.Conn
	ch   *crypto.Channel
}

func dialClient(t *testing.T, env *testEnv) *client {
	t.Helper()
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(env.port))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(typ protocol.MessageType, payload []byte) {
	c.t.Helper()
	if c.ch != nil && len(payload) > 0 && typ != protocol.MsgPing && typ != protocol.MsgPong {
		sealed, err := c.ch.Seal(payload)
		if err != nil {
			c.t.Fatal(err)
		}
		payload = sealed
	}
	if _, err := c.conn.Write(protocol.Encode(typ, payload)); err != nil {
		c.t.Fatalf("client write: %v", err)
	}
}

func (c *client) sendJSON(typ protocol.MessageType, v any) {
	c.t.Helper()
	payload, err := protocol.MarshalJSONPayload(v)
	if err != nil {
		c.t.Fatal(err)
	}
	c.send(typ, payload)
}

// recv returns the next non-keepalive message, decrypting when the
// session channel is up.
func (c *client) recv() protocol.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		msg, err := protocol.ReadMessage(c.conn, protocol.DefaultMaxMessageSize)
		if err != nil {
			c.t.Fatalf("client read: %v", err)
		}
		if msg.Type == protocol.MsgPing || msg.Type == protocol.MsgPong {
			continue
		}
		if c.ch != nil && len(msg.Payload) > 0 {
			opened, err := c.ch.Open(msg.Payload)
			if err != nil {
				c.t.Fatalf("client decrypt %s: %v", msg.Type, err)
			}
			msg.Payload = opened
		}
		return msg
	}
}

// authenticate runs the full AUTH exchange and derives the session key.
func (c *client) authenticate(username, password string) protocol.AuthResponse {
	c.t.Helper()
	c.sendJSON(protocol.MsgAuth, protocol.AuthRequest{
		Username: username, Password: password, ScreenFormats: []string{"zraw", "png"},
	})
	msg := c.recv()
	if msg.Type != protocol.MsgAuthResponse {
		c.t.Fatalf("got %s, want AUTH_RESPONSE", msg.Type)
	}
	var resp protocol.AuthResponse
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &resp); err != nil {
		c.t.Fatal(err)
	}
	if resp.Success {
		salt, err := hex.DecodeString(resp.Salt)
		if err != nil {
			c.t.Fatalf("salt decode: %v", err)
		}
		key, err := crypto.DeriveKey([]byte(password), salt, resp.Iterations)
		if err != nil {
			c.t.Fatal(err)
		}
		ch, err := crypto.NewChannel(key)
		if err != nil {
			c.t.Fatal(err)
		}
		c.ch = ch
	}
	return resp
}

func TestAuthSuccess(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)

	resp := c.authenticate("operator", "hunter2secret")
	if !resp.Success {
		t.Fatalf("auth failed: %s", resp.Message)
	}
	if resp.Token == "" || resp.Salt == "" {
		t.Fatalf("missing token or salt: %+v", resp)
	}
	if resp.Format != "zraw" {
		t.Fatalf("format = %q, want first advertised (zraw)", resp.Format)
	}
	if env.sessions.Len() != 1 {
		t.Fatalf("sessions = %d, want 1", env.sessions.Len())
	}
}

func TestAuthWrongPasswordIsResponseNotError(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)

	resp := c.authenticate("operator", "wrong")
	if resp.Success {
		t.Fatal("auth succeeded with wrong password")
	}
	// The connection survives a failed attempt.
	c.sendJSON(protocol.MsgAuth, protocol.AuthRequest{Username: "operator", Password: "hunter2secret"})
	msg := c.recv()
	if msg.Type != protocol.MsgAuthResponse {
		t.Fatalf("got %s after retry", msg.Type)
	}
}

func TestPreAuthCommandsRejected(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)

	c.sendJSON(protocol.MsgSystemCommand, protocol.SystemCommand{Command: "info"})
	msg := c.recv()
	if msg.Type != protocol.MsgError {
		t.Fatalf("got %s, want ERROR", msg.Type)
	}
	var ep protocol.ErrorPayload
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != protocol.CodeAuthRequired {
		t.Fatalf("code = %q, want auth_required", ep.Code)
	}
}

func TestPingBeforeAuth(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)

	c.send(protocol.MsgPing, nil)
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msg, err := protocol.ReadMessage(c.conn, protocol.DefaultMaxMessageSize)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != protocol.MsgPong {
		t.Fatalf("got %s, want PONG", msg.Type)
	}
}

func TestAuthRateLimit(t *testing.T) {
	env := startServer(t, func(o *Options) { o.AuthLimit = 3 })
	c := dialClient(t, env)

	for i := 0; i < 3; i++ {
		resp := c.authenticate("operator", "wrong")
		if resp.Success {
			t.Fatal("bad credentials accepted")
		}
	}
	c.sendJSON(protocol.MsgAuth, protocol.AuthRequest{Username: "operator", Password: "hunter2secret"})
	msg := c.recv()
	if msg.Type != protocol.MsgError {
		t.Fatalf("got %s, want ERROR after lockout", msg.Type)
	}
	var ep protocol.ErrorPayload
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != protocol.CodeRateLimited {
		t.Fatalf("code = %q, want rate_limited", ep.Code)
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)

	// Unknown type discriminant 99.
	frame := []byte{0, 0, 0, 99, 0, 0, 0, 0}
	if _, err := c.conn.Write(frame); err != nil {
		t.Fatal(err)
	}

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, err := protocol.ReadMessage(c.conn, protocol.DefaultMaxMessageSize); err != nil {
			return // closed, as required
		}
	}
}

func TestSystemInfoAfterAuth(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatal(resp.Message)
	}

	c.sendJSON(protocol.MsgSystemCommand, protocol.SystemCommand{Command: "info"})
	msg := c.recv()
	if msg.Type != protocol.MsgInfo {
		t.Fatalf("got %s, want INFO", msg.Type)
	}
	var info protocol.Info
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &info); err != nil {
		t.Fatal(err)
	}
	if !info.ScreenAvailable || !info.InputAvailable {
		t.Fatalf("capabilities = %+v", info)
	}
	if len(info.Displays) != 1 || info.Displays[0].Width != 1920 {
		t.Fatalf("displays = %+v", info.Displays)
	}
	if runtime.GOOS == "linux" {
		if info.TotalMemory <= 0 {
			t.Fatalf("total_memory = %d, want > 0", info.TotalMemory)
		}
		if info.UptimeSeconds <= 0 {
			t.Fatalf("uptime_seconds = %d, want > 0", info.UptimeSeconds)
		}
		if info.DiskTotal <= 0 {
			t.Fatalf("disk_total = %d, want > 0", info.DiskTotal)
		}
	}
}

func TestUnsupportedCommand(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatal(resp.Message)
	}

	c.sendJSON(protocol.MsgSystemCommand, protocol.SystemCommand{Command: "reboot"})
	msg := c.recv()
	if msg.Type != protocol.MsgError {
		t.Fatalf("got %s, want ERROR", msg.Type)
	}
	var ep protocol.ErrorPayload
	protocol.UnmarshalJSONPayload(msg.Payload, &ep)
	if ep.Code != protocol.CodeUnsupportedCommand {
		t.Fatalf("code = %q", ep.Code)
	}
}

func TestClipboardStoreAndEcho(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatal(resp.Message)
	}

	c.sendJSON(protocol.MsgClipboardUpdate, protocol.ClipboardUpdate{Text: "copied text"})
	c.sendJSON(protocol.MsgSystemCommand, protocol.SystemCommand{Command: "clipboard"})

	msg := c.recv()
	if msg.Type != protocol.MsgClipboardUpdate {
		t.Fatalf("got %s, want CLIPBOARD_UPDATE", msg.Type)
	}
	var update protocol.ClipboardUpdate
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &update); err != nil {
		t.Fatal(err)
	}
	if update.Text != "copied text" {
		t.Fatalf("clipboard = %q", update.Text)
	}
}

func TestScreenshotRoundTrip(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatal(resp.Message)
	}

	c.send(protocol.MsgScreenshot, nil)
	msg := c.recv()
	if msg.Type != protocol.MsgScreenshot {
		t.Fatalf("got %s, want SCREENSHOT", msg.Type)
	}
	shot, err := protocol.DecodeScreenshot(msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if shot.Width != 4 || shot.Height != 4 {
		t.Fatalf("dims = %dx%d", shot.Width, shot.Height)
	}
	if shot.Format != protocol.FormatZRaw {
		t.Fatalf("format = %v, want negotiated zraw", shot.Format)
	}
}

func TestFileUploadOverWire(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatal(resp.Message)
	}

	data := []byte("over the wire")
	c.sendJSON(protocol.MsgFileTransfer, protocol.FileTransferRequest{
		Op: protocol.FileOpUpload, Path: "hello.txt", Size: int64(len(data)),
	})
	var start protocol.FileTransferResponse
	msg := c.recv()
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &start); err != nil {
		t.Fatal(err)
	}
	if start.Status != protocol.StatusOK {
		t.Fatalf("start: %+v", start)
	}

	c.sendJSON(protocol.MsgFileTransfer, protocol.FileTransferRequest{
		Op: protocol.FileOpChunk, ID: start.ID, Data: data,
	})
	c.recv()
	c.sendJSON(protocol.MsgFileTransfer, protocol.FileTransferRequest{
		Op: protocol.FileOpComplete, ID: start.ID,
	})
	var done protocol.FileTransferResponse
	msg = c.recv()
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &done); err != nil {
		t.Fatal(err)
	}
	if done.Status != protocol.StatusOK {
		t.Fatalf("complete: %+v", done)
	}

	got, err := os.ReadFile(filepath.Join(env.root, "hello.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("file = %q", got)
	}
}

func TestPathTraversalOverWire(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatal(resp.Message)
	}

	c.sendJSON(protocol.MsgFileTransfer, protocol.FileTransferRequest{
		Op: protocol.FileOpUpload, Path: "../../etc/passwd", Size: 4,
	})
	var resp protocol.FileTransferResponse
	msg := c.recv()
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != protocol.StatusError || resp.Code != protocol.CodePathNotAllowed {
		t.Fatalf("resp = %+v, want path_not_allowed error", resp)
	}
}

func TestDisconnectReleasesSession(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatal(resp.Message)
	}
	if env.sessions.Len() != 1 {
		t.Fatalf("sessions = %d", env.sessions.Len())
	}

	c.send(protocol.MsgDisconnect, nil)

	deadline := time.Now().Add(5 * time.Second)
	for env.sessions.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after DISCONNECT")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionExpiryAllowsReauth(t *testing.T) {
	env := startServer(t, func(o *Options) {
		o.Sessions = session.NewManager(200 * time.Millisecond)
	})
	c := dialClient(t, env)
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatal(resp.Message)
	}

	time.Sleep(300 * time.Millisecond)

	// The first protected operation after expiry gets session_expired,
	// sealed with the key from the lapsed session.
	c.sendJSON(protocol.MsgSystemCommand, protocol.SystemCommand{Command: "info"})
	msg := c.recv()
	if msg.Type != protocol.MsgError {
		t.Fatalf("got %s, want ERROR", msg.Type)
	}
	var ep protocol.ErrorPayload
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != protocol.CodeSessionExpired {
		t.Fatalf("code = %q, want session_expired", ep.Code)
	}

	// Same connection, fresh handshake: the channel resets to plaintext
	// until the new AUTH_RESPONSE carries a new salt.
	c.ch = nil
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatalf("re-auth failed: %s", resp.Message)
	}
	c.sendJSON(protocol.MsgSystemCommand, protocol.SystemCommand{Command: "info"})
	if msg := c.recv(); msg.Type != protocol.MsgInfo {
		t.Fatalf("got %s after re-auth, want INFO", msg.Type)
	}
}

func TestAbruptCloseReleasesSessions(t *testing.T) {
	env := startServer(t, nil)

	// Closing right after auth makes teardown race the keepalive and
	// writer goroutines over the freshly published session state.
	for i := 0; i < 5; i++ {
		conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(env.port))
		if err != nil {
			t.Fatal(err)
		}
		c := &client{t: t, conn: conn}
		if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
			t.Fatal(resp.Message)
		}
		conn.Close()
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.sessions.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sessions = %d after close, want 0", env.sessions.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFileChunkRateLimit(t *testing.T) {
	env := startServer(t, func(o *Options) { o.ChunkLimit = 2 })
	c := dialClient(t, env)
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatal(resp.Message)
	}

	chunk := []byte("abcd")
	c.sendJSON(protocol.MsgFileTransfer, protocol.FileTransferRequest{
		Op: protocol.FileOpUpload, Path: "big.bin", Size: int64(3 * len(chunk)),
	})
	var start protocol.FileTransferResponse
	if err := protocol.UnmarshalJSONPayload(c.recv().Payload, &start); err != nil {
		t.Fatal(err)
	}
	if start.Status != protocol.StatusOK {
		t.Fatalf("start: %+v", start)
	}

	for i := 0; i < 2; i++ {
		c.sendJSON(protocol.MsgFileTransfer, protocol.FileTransferRequest{
			Op: protocol.FileOpChunk, ID: start.ID, Offset: int64(i * len(chunk)), Data: chunk,
		})
		var resp protocol.FileTransferResponse
		if err := protocol.UnmarshalJSONPayload(c.recv().Payload, &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != protocol.StatusOK {
			t.Fatalf("chunk %d: %+v", i, resp)
		}
	}

	c.sendJSON(protocol.MsgFileTransfer, protocol.FileTransferRequest{
		Op: protocol.FileOpChunk, ID: start.ID, Offset: int64(2 * len(chunk)), Data: chunk,
	})
	msg := c.recv()
	if msg.Type != protocol.MsgError {
		t.Fatalf("got %s, want ERROR", msg.Type)
	}
	var ep protocol.ErrorPayload
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != protocol.CodeRateLimited {
		t.Fatalf("code = %q, want rate_limited", ep.Code)
	}
}

func TestMouseBoundsFollowFrameSize(t *testing.T) {
	env := startServer(t, nil)
	c := dialClient(t, env)
	if resp := c.authenticate("operator", "hunter2secret"); !resp.Success {
		t.Fatal(resp.Message)
	}

	// Within the 1920x1080 geometry advertised at auth time.
	c.send(protocol.MsgMouseMove, protocol.MouseMove{X: 100, Y: 100}.Encode())

	// The captured frame is 4x4, so bounds shrink with it.
	c.send(protocol.MsgScreenshot, nil)
	if msg := c.recv(); msg.Type != protocol.MsgScreenshot {
		t.Fatalf("got %s, want SCREENSHOT", msg.Type)
	}

	c.send(protocol.MsgMouseClick, protocol.MouseClick{
		X: 100, Y: 100, Button: protocol.ButtonLeft, Pressed: true,
	}.Encode())
	msg := c.recv()
	if msg.Type != protocol.MsgError {
		t.Fatalf("got %s, want ERROR for out-of-bounds click", msg.Type)
	}
	var ep protocol.ErrorPayload
	if err := protocol.UnmarshalJSONPayload(msg.Payload, &ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != protocol.CodeInvalidInput {
		t.Fatalf("code = %q, want invalid_input", ep.Code)
	}
}

func TestConcurrentConnections(t *testing.T) {
	if testing.Short() {
		t.Skip("slow: many PBKDF2 derivations")
	}
	env := startServer(t, nil)

	const n = 100
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(env.port))
			if err != nil {
				errCh <- err
				return
			}
			defer conn.Close()
			c := &client{t: t, conn: conn}
			resp := c.authenticate("operator", "hunter2secret")
			if !resp.Success {
				errCh <- fmt.Errorf("conn %d: %s", i, resp.Message)
				return
			}
			c.sendJSON(protocol.MsgSystemCommand, protocol.SystemCommand{Command: "info"})
			if msg := c.recv(); msg.Type != protocol.MsgInfo {
				errCh <- fmt.Errorf("conn %d: got %s", i, msg.Type)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Error(err)
	}
}
