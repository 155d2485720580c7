package server

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"runtime"

	"github.com/Nsfr750/remote-control/internal/capture"
	"github.com/Nsfr750/remote-control/internal/crypto"
	"github.com/Nsfr750/remote-control/internal/filetransfer"
	"github.com/Nsfr750/remote-control/internal/input"
	"github.com/Nsfr750/remote-control/internal/protocol"
	"github.com/Nsfr750/remote-control/internal/screen"
	"github.com/Nsfr750/remote-control/internal/session"
)

// dispatch routes one decoded message. Returns false when the connection
// must stop reading (teardown has already run).
func (c *conn) dispatch(ctx context.Context, msg protocol.Message) bool {
	// Keepalive traffic is handled here in the read path so it works in
	// every state and never touches the encrypted channel.
	switch msg.Type {
	case protocol.MsgPing:
		c.send(protocol.MsgPong, nil, nil)
		return true
	case protocol.MsgPong:
		return true
	case protocol.MsgDisconnect:
		c.teardown("client disconnect")
		return false
	case protocol.MsgAuth:
		c.handleAuth(msg.Payload)
		return true
	}

	if c.state != session.StateAuthenticated {
		c.sendError(protocol.CodeAuthRequired, "authenticate first")
		return true
	}
	if _, err := c.srv.sessions.Validate(c.sess.Token); err != nil {
		c.expireSession()
		return true
	}

	payload := msg.Payload
	if c.ch != nil && len(payload) > 0 {
		opened, err := c.ch.Open(payload)
		if err != nil {
			c.log.Warn("payload decryption failed", "type", msg.Type.String())
			c.teardown("decryption failed")
			return false
		}
		payload = opened
	}

	switch msg.Type {
	case protocol.MsgMouseMove:
		c.handleMouseMove(payload)
	case protocol.MsgMouseClick:
		c.handleMouseClick(payload)
	case protocol.MsgKeyEvent:
		c.handleKeyEvent(payload)
	case protocol.MsgScreenshot:
		c.handleScreenshot(ctx, payload)
	case protocol.MsgFileTransfer:
		c.handleFileTransfer(payload)
	case protocol.MsgClipboardUpdate:
		c.handleClipboard(payload)
	case protocol.MsgSystemCommand:
		c.handleSystemCommand(payload)
	default:
		// AUTH_RESPONSE, ERROR, INFO are server-to-client only.
		c.sendError(protocol.CodeInvalidInput, "unexpected message type "+msg.Type.String())
	}
	return true
}

// expireSession reports an expired token and drops the connection back
// to a pre-authenticated state. The connection survives; the client must
// re-authenticate before further protected operations. The report goes
// out before the channel is cleared so it is sealed with the key the
// client still holds.
func (c *conn) expireSession() {
	c.log.Info("session expired", "user", c.sess.Identity)
	c.sendError(protocol.CodeSessionExpired, "session expired; authenticate again")
	if c.ft != nil {
		c.ft.Cleanup()
	}
	c.mu.Lock()
	c.sess = nil
	c.ch = nil
	c.ft = nil
	c.mu.Unlock()
	c.pipeline = nil
	c.input = nil
	c.state = session.StateExpired
}

func (c *conn) handleAuth(payload []byte) {
	if c.state == session.StateAuthenticated {
		c.sendError(protocol.CodeInvalidInput, "already authenticated")
		return
	}

	// Only failed attempts count toward the lockout, so a busy legitimate
	// source never locks itself out.
	host := c.remoteHost()
	if c.srv.authLimit.Blocked(host) {
		c.log.Warn("auth rate limited", "host", host)
		c.sendError(protocol.CodeRateLimited, "too many authentication attempts")
		return
	}

	var req protocol.AuthRequest
	if err := protocol.UnmarshalJSONPayload(payload, &req); err != nil {
		c.sendJSON(protocol.MsgAuthResponse, protocol.AuthResponse{
			Success: false, Message: "malformed auth request",
		})
		return
	}

	c.state = session.StateAuthPending
	ok, err := c.srv.store.Verify(req.Username, req.Password)
	if err != nil {
		c.log.Error("credential check failed", "err", err)
		c.sendError(protocol.CodeInternal, "authentication unavailable")
		c.state = session.StateUnauthenticated
		return
	}
	if !ok {
		c.log.Info("auth rejected", "user", req.Username)
		c.srv.authLimit.Record(host)
		c.state = session.StateUnauthenticated
		c.sendJSON(protocol.MsgAuthResponse, protocol.AuthResponse{
			Success: false, Message: "invalid credentials",
		})
		return
	}

	format, err := screen.NegotiateFormat(req.ScreenFormats)
	if err != nil {
		c.state = session.StateUnauthenticated
		c.sendJSON(protocol.MsgAuthResponse, protocol.AuthResponse{
			Success: false, Message: "no mutually supported screen format",
		})
		return
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		c.failAuthInternal(err)
		return
	}
	key, err := crypto.DeriveKey([]byte(req.Password), salt, c.srv.iters)
	if err != nil {
		c.failAuthInternal(err)
		return
	}
	ch, err := crypto.NewChannel(key)
	if err != nil {
		c.failAuthInternal(err)
		return
	}
	sess, err := c.srv.sessions.Create(req.Username)
	if err != nil {
		c.failAuthInternal(err)
		return
	}

	c.srv.authLimit.Reset(host)
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.attachCapabilities(format)

	// The response travels plaintext: the client needs the salt before
	// it can derive the session key. Everything after is sealed.
	c.sendJSON(protocol.MsgAuthResponse, protocol.AuthResponse{
		Success:    true,
		Token:      sess.Token,
		Salt:       hex.EncodeToString(salt),
		Iterations: c.srv.iters,
		ExpiresIn:  int64(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds()),
		Format:     format.Name(),
	})
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
	c.state = session.StateAuthenticated
	c.log.Info("authenticated", "user", req.Username, "format", format.Name())
}

func (c *conn) failAuthInternal(err error) {
	c.log.Error("auth setup failed", "err", err)
	c.state = session.StateUnauthenticated
	c.sendError(protocol.CodeInternal, "authentication unavailable")
}

// attachCapabilities builds the per-connection collaborators once
// authentication succeeds.
func (c *conn) attachCapabilities(format protocol.FrameFormat) {
	if c.srv.provider != nil {
		c.pipeline = screen.New(c.srv.provider, format)
		width, height := 0, 0
		if displays, err := c.srv.provider.ListDisplays(); err == nil && len(displays) > 0 {
			width, height = displays[0].Width, displays[0].Height
		}
		c.input = input.NewDispatcher(c.srv.provider, width, height)
	}
	if c.srv.root != "" {
		ft, err := filetransfer.NewManager(c.srv.root, c.srv.resume)
		if err != nil {
			c.log.Error("file transfer disabled", "err", err)
		} else {
			c.mu.Lock()
			c.ft = ft
			c.mu.Unlock()
		}
	}
}

// allowInput applies the per-connection event throttle.
func (c *conn) allowInput() bool {
	if c.limiter.Allow() {
		return true
	}
	c.sendError(protocol.CodeRateLimited, "input events throttled")
	return false
}

func (c *conn) handleMouseMove(payload []byte) {
	if c.input == nil {
		c.sendError(protocol.CodeCaptureUnavailable, "input injection unavailable")
		return
	}
	if !c.allowInput() {
		return
	}
	ev, err := protocol.DecodeMouseMove(payload)
	if err != nil {
		c.sendError(protocol.CodeInvalidInput, err.Error())
		return
	}
	if err := c.input.MouseMove(ev); err != nil {
		c.inputError(err)
	}
}

func (c *conn) handleMouseClick(payload []byte) {
	if c.input == nil {
		c.sendError(protocol.CodeCaptureUnavailable, "input injection unavailable")
		return
	}
	if !c.allowInput() {
		return
	}
	ev, err := protocol.DecodeMouseClick(payload)
	if err != nil {
		c.sendError(protocol.CodeInvalidInput, err.Error())
		return
	}
	if err := c.input.MouseClick(ev); err != nil {
		c.inputError(err)
	}
}

func (c *conn) handleKeyEvent(payload []byte) {
	if c.input == nil {
		c.sendError(protocol.CodeCaptureUnavailable, "input injection unavailable")
		return
	}
	if !c.allowInput() {
		return
	}
	var ev protocol.KeyEvent
	if err := protocol.UnmarshalJSONPayload(payload, &ev); err != nil {
		c.sendError(protocol.CodeInvalidInput, err.Error())
		return
	}
	if err := c.input.KeyEvent(ev); err != nil {
		c.inputError(err)
	}
}

// inputError maps a dispatch failure to a wire error. Injection faults
// from the host are logged but not fatal; the event is simply lost.
func (c *conn) inputError(err error) {
	if errors.Is(err, input.ErrInvalidInput) {
		c.sendError(protocol.CodeInvalidInput, err.Error())
		return
	}
	c.log.Warn("input injection failed", "err", err)
}

// screenshotRequest is the optional SCREENSHOT request body.
type screenshotRequest struct {
	Force bool `json:"force,omitempty"`
}

func (c *conn) handleScreenshot(ctx context.Context, payload []byte) {
	if c.pipeline == nil {
		c.sendError(protocol.CodeCaptureUnavailable, "screen capture unavailable")
		return
	}
	var req screenshotRequest
	if len(payload) > 0 {
		if err := protocol.UnmarshalJSONPayload(payload, &req); err != nil {
			c.sendError(protocol.CodeInvalidInput, err.Error())
			return
		}
	}

	shot, err := c.pipeline.RequestFrame(ctx, req.Force)
	switch {
	case err == nil:
		// Mouse bounds track the dimensions actually captured, which can
		// drift from the auth-time display geometry.
		if c.input != nil {
			c.input.SetBounds(int(shot.Width), int(shot.Height))
		}
		// Backpressure releases only once the frame has left the writer.
		c.send(protocol.MsgScreenshot, shot.Encode(), c.pipeline.Ack)
	case errors.Is(err, screen.ErrUnchanged),
		errors.Is(err, screen.ErrBusy),
		errors.Is(err, screen.ErrSuppressed):
		// Differential pipeline: nothing to send.
	case errors.Is(err, capture.ErrUnavailable):
		c.sendError(protocol.CodeCaptureUnavailable, "screen capture failed")
	default:
		c.log.Error("frame pipeline failed", "err", err)
		c.sendError(protocol.CodeInternal, "frame pipeline failed")
	}
}

func (c *conn) handleFileTransfer(payload []byte) {
	if c.ft == nil {
		c.sendError(protocol.CodeUnsupportedCommand, "file transfer disabled")
		return
	}
	var req protocol.FileTransferRequest
	if err := protocol.UnmarshalJSONPayload(payload, &req); err != nil {
		c.sendError(protocol.CodeInvalidInput, err.Error())
		return
	}

	// Chunks run against a per-connection sliding window, reset on
	// teardown. A rejected chunk is reported, not silently dropped, so
	// the client can back off and resend the same offset.
	if req.Op == protocol.FileOpChunk && !c.srv.chunkLimit.Allow(c.tc.RemoteAddr().String()) {
		c.sendError(protocol.CodeRateLimited, "file chunks throttled")
		return
	}

	var resp protocol.FileTransferResponse
	var err error
	switch req.Op {
	case protocol.FileOpUpload:
		resp, err = c.ft.StartUpload(req)
	case protocol.FileOpChunk:
		resp, err = c.ft.WriteChunk(req)
	case protocol.FileOpComplete:
		resp, err = c.ft.Complete(req)
	case protocol.FileOpAbort:
		resp, err = c.ft.Abort(req)
	case protocol.FileOpList:
		resp, err = c.ft.List(req)
	case protocol.FileOpDelete:
		resp, err = c.ft.Delete(req)
	case protocol.FileOpDownload:
		c.handleDownload(req)
		return
	default:
		c.sendError(protocol.CodeInvalidInput, "unknown file operation "+req.Op)
		return
	}

	if err != nil {
		c.log.Info("file operation failed", "op", req.Op, "path", req.Path, "err", err)
	}
	c.sendJSON(protocol.MsgFileTransfer, resp)
}

// handleDownload streams the file as chunk responses followed by a
// completion marker. Chunks share the single-writer queue with every
// other outgoing frame, so screen traffic interleaves rather than
// starving.
func (c *conn) handleDownload(req protocol.FileTransferRequest) {
	dl, resp, err := c.ft.Download(req)
	if err != nil {
		c.log.Info("download refused", "path", req.Path, "err", err)
		c.sendJSON(protocol.MsgFileTransfer, resp)
		return
	}
	defer dl.Close()
	c.sendJSON(protocol.MsgFileTransfer, resp)

	for {
		chunk, offset, err := dl.Next()
		if err == io.EOF {
			c.sendJSON(protocol.MsgFileTransfer, protocol.FileTransferResponse{
				Op: protocol.FileOpComplete, ID: dl.ID, Status: protocol.StatusOK, Size: offset,
			})
			return
		}
		if err != nil {
			c.log.Error("download read failed", "path", req.Path, "err", err)
			c.sendJSON(protocol.MsgFileTransfer, protocol.FileTransferResponse{
				Op: protocol.FileOpDownload, ID: dl.ID, Status: protocol.StatusError,
				Code: protocol.CodeTransferFailed, Message: err.Error(),
			})
			return
		}
		c.sendJSON(protocol.MsgFileTransfer, protocol.FileTransferResponse{
			Op: protocol.FileOpChunk, ID: dl.ID, Status: protocol.StatusOK,
			Offset: offset, Data: chunk,
		})
	}
}

func (c *conn) handleClipboard(payload []byte) {
	var update protocol.ClipboardUpdate
	if err := protocol.UnmarshalJSONPayload(payload, &update); err != nil {
		c.sendError(protocol.CodeInvalidInput, err.Error())
		return
	}
	c.clip = update.Text
}

func (c *conn) handleSystemCommand(payload []byte) {
	var cmd protocol.SystemCommand
	if err := protocol.UnmarshalJSONPayload(payload, &cmd); err != nil {
		c.sendError(protocol.CodeInvalidInput, err.Error())
		return
	}

	switch cmd.Command {
	case "info":
		c.sendJSON(protocol.MsgInfo, c.hostInfo())
	case "displays":
		info := protocol.Info{Displays: c.listDisplays()}
		c.sendJSON(protocol.MsgInfo, info)
	case "clipboard":
		c.sendJSON(protocol.MsgClipboardUpdate, protocol.ClipboardUpdate{Text: c.clip})
	default:
		c.sendError(protocol.CodeUnsupportedCommand, "unsupported command "+cmd.Command)
	}
}

func (c *conn) hostInfo() protocol.Info {
	hostname, _ := os.Hostname()
	usage := hostMetrics(c.srv.root)
	return protocol.Info{
		Hostname:        hostname,
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		NumCPU:          runtime.NumCPU(),
		TotalMemory:     usage.TotalMemory,
		FreeMemory:      usage.FreeMemory,
		DiskTotal:       usage.DiskTotal,
		DiskFree:        usage.DiskFree,
		UptimeSeconds:   usage.UptimeSeconds,
		ScreenAvailable: c.pipeline != nil,
		InputAvailable:  c.input != nil,
		Displays:        c.listDisplays(),
	}
}

func (c *conn) listDisplays() []protocol.DisplayInfo {
	if c.srv.provider == nil {
		return nil
	}
	displays, err := c.srv.provider.ListDisplays()
	if err != nil {
		return nil
	}
	out := make([]protocol.DisplayInfo, len(displays))
	for i, d := range displays {
		out[i] = protocol.DisplayInfo{Index: d.Index, Width: d.Width, Height: d.Height}
	}
	return out
}
