// Package composer holds the draft of the active conversation: text, the
// edit or reply target, and staged attachments with their upload progress.
package composer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
)

type Mode string

const (
	ModeCompose  Mode = "compose"
	ModeEditing  Mode = "editing"
	ModeReplying Mode = "replying"
)

type UploadState string

const (
	UploadPending   UploadState = "pending"
	UploadUploading UploadState = "uploading"
	UploadReady     UploadState = "ready"
	UploadFailed    UploadState = "failed"
)

const (
	DefaultMaxTextLength     = 4096
	DefaultMaxAttachmentSize = 25 << 20
	DefaultMaxAttachments    = 10
	DefaultUploadConcurrency = 3
)

type Config struct {
	MaxTextLength     int
	MaxAttachmentSize int64
	MaxAttachments    int
	UploadConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = DefaultMaxTextLength
	}
	if c.MaxAttachmentSize <= 0 {
		c.MaxAttachmentSize = DefaultMaxAttachmentSize
	}
	if c.MaxAttachments <= 0 {
		c.MaxAttachments = DefaultMaxAttachments
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = DefaultUploadConcurrency
	}
	return c
}

// File is a local file offered for upload. Open is called once per upload
// attempt.
type File struct {
	Name string
	MIME string
	Size int64
	Open func() (io.ReadCloser, error)
}

// IsImage reports whether the file is rendered as an image.
func (f File) IsImage() bool { return strings.HasPrefix(f.MIME, "image/") }

// Upload is what an Uploader sends.
type Upload struct {
	Name string
	MIME string
	Size int64
	Body io.Reader
}

// Uploader stores one file and returns where it lives. progress is called
// with the bytes sent so far.
type Uploader interface {
	Upload(ctx context.Context, u Upload, progress func(sent, total int64)) (models.Attachment, error)
}

// Staged is one attachment in the draft.
type Staged struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Size     int64              `json:"size"`
	SizeText string             `json:"size_text"`
	Image    bool               `json:"image"`
	State    UploadState        `json:"state"`
	Progress float64            `json:"progress"`
	Result   *models.Attachment `json:"result,omitempty"`
	Err      string             `json:"error,omitempty"`

	file File
}

// OutKind says what the engine must do with an Outgoing.
type OutKind string

const (
	OutSend OutKind = "send"
	OutEdit OutKind = "edit"
)

// Outgoing is a validated draft ready for dispatch. For OutSend, Message
// is the optimistic pending message; for OutEdit, EditID and Body name the
// change.
type Outgoing struct {
	Kind    OutKind
	Message models.Message
	EditID  string
	Body    models.Body
	// staged IDs consumed by this send
	consumed []string
}

// Snapshot is the read-only view of the draft.
type Snapshot struct {
	Mode     Mode             `json:"mode"`
	Text     string           `json:"text"`
	TargetID string           `json:"target_id,omitempty"`
	ReplyTo  *models.ReplyRef `json:"reply_to,omitempty"`
	Staged   []Staged         `json:"staged,omitempty"`
}

// Composer is safe for concurrent use; uploads report progress from their
// own goroutines.
type Composer struct {
	self models.Identity
	cfg  Config

	mu       sync.Mutex
	mode     Mode
	text     string
	stash    string
	targetID string
	reply    *models.ReplyRef
	staged   []*Staged
	onChange func()
}

func New(self models.Identity, cfg Config) *Composer {
	return &Composer{self: self, cfg: cfg.withDefaults(), mode: ModeCompose}
}

// OnChange registers a hook run after upload progress changes.
func (c *Composer) OnChange(fn func()) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Composer) changed() {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Composer) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Composer) SetText(s string) {
	c.mu.Lock()
	c.text = s
	c.mu.Unlock()
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// BeginEdit switches to editing m, pre-populating the text. The compose
// text is stashed and restored by Cancel. Any reply target is dropped.
func (c *Composer) BeginEdit(m models.Message) error {
	const op chaterr.Op = "composer.BeginEdit"
	if m.Sender != c.self {
		return chaterr.Invalid(op, "only your own messages can be edited")
	}
	if m.Body == nil || m.Body.Text() == "" {
		return chaterr.Invalid(op, "message has no text to edit")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeEditing {
		c.stash = c.text
	}
	c.mode = ModeEditing
	c.targetID = m.ID
	c.reply = nil
	c.text = m.Body.Text()
	return nil
}

// BeginReply switches to replying to m, capturing its preview. An edit in
// progress is abandoned and the compose text restored.
func (c *Composer) BeginReply(m models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeEditing {
		c.text = c.stash
		c.stash = ""
	}
	c.mode = ModeReplying
	c.targetID = m.ID
	c.reply = &models.ReplyRef{MessageID: m.ID, Preview: m.Preview()}
}

// Cancel returns to compose mode.
func (c *Composer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

func (c *Composer) cancelLocked() {
	if c.mode == ModeEditing {
		c.text = c.stash
	}
	c.stash = ""
	c.mode = ModeCompose
	c.targetID = ""
	c.reply = nil
}

// Reset drops the whole draft, used on conversation switch.
func (c *Composer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.text = ""
	c.staged = nil
}

// Stage adds f to the draft after validating its size.
func (c *Composer) Stage(f File) (string, error) {
	const op chaterr.Op = "composer.Stage"
	if f.Name == "" || f.Open == nil {
		return "", chaterr.Invalid(op, "file has no name or content")
	}
	if f.Size <= 0 {
		return "", chaterr.Invalid(op, fmt.Sprintf("%s is empty", f.Name))
	}
	if f.Size > c.cfg.MaxAttachmentSize {
		return "", chaterr.Invalid(op, fmt.Sprintf("%s is %s, the limit is %s",
			f.Name, humanize.Bytes(uint64(f.Size)), humanize.Bytes(uint64(c.cfg.MaxAttachmentSize))))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.staged) >= c.cfg.MaxAttachments {
		return "", chaterr.Invalid(op, fmt.Sprintf("at most %d attachments per message", c.cfg.MaxAttachments))
	}
	s := &Staged{
		ID:       uuid.NewString(),
		Name:     f.Name,
		Size:     f.Size,
		SizeText: humanize.Bytes(uint64(f.Size)),
		Image:    f.IsImage(),
		State:    UploadPending,
		file:     f,
	}
	c.staged = append(c.staged, s)
	return s.ID, nil
}

// Unstage removes a staged attachment.
func (c *Composer) Unstage(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.staged {
		if s.ID == id {
			c.staged = append(c.staged[:i], c.staged[i+1:]...)
			return true
		}
	}
	return false
}

// RetryFailed puts failed attachments back to pending and returns how many.
func (c *Composer) RetryFailed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.staged {
		if s.State == UploadFailed {
			s.State = UploadPending
			s.Err = ""
			s.Progress = 0
			n++
		}
	}
	return n
}

// PendingUploads reports whether any staged attachment still waits for an
// upload or is uploading.
func (c *Composer) PendingUploads() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.staged {
		if s.State == UploadPending || s.State == UploadUploading {
			return true
		}
	}
	return false
}

// UploadAll uploads every pending attachment with bounded concurrency.
// Each item tracks its own progress; a failed item is marked failed and
// stays staged without stopping the others. The first failure is returned
// after all items finished. Items another call is already uploading are
// left to that call.
func (c *Composer) UploadAll(ctx context.Context, up Uploader) error {
	const op chaterr.Op = "composer.UploadAll"
	c.mu.Lock()
	var todo []*Staged
	for _, s := range c.staged {
		if s.State == UploadPending {
			s.State = UploadUploading
			todo = append(todo, s)
		}
	}
	c.mu.Unlock()
	if len(todo) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(c.cfg.UploadConcurrency)
	for _, s := range todo {
		s := s
		g.Go(func() error {
			att, err := c.uploadOne(ctx, up, s)
			c.mu.Lock()
			if err != nil {
				s.State = UploadFailed
				s.Err = err.Error()
			} else {
				s.State = UploadReady
				s.Progress = 1
				s.Result = &att
			}
			c.mu.Unlock()
			c.changed()
			if err != nil {
				logger.Warn("upload_failed", "name", s.Name, "size", s.SizeText, "error", err)
				if chaterr.GetKind(err) != chaterr.KindUnknown {
					return err
				}
				return chaterr.Network(op, s.Name, err)
			}
			logger.Debug("upload_ready", "name", s.Name, "url", att.URL)
			return nil
		})
	}
	return g.Wait()
}

func (c *Composer) uploadOne(ctx context.Context, up Uploader, s *Staged) (models.Attachment, error) {
	rc, err := s.file.Open()
	if err != nil {
		return models.Attachment{}, fmt.Errorf("open %s: %w", s.Name, err)
	}
	defer rc.Close()
	att, err := up.Upload(ctx, Upload{Name: s.Name, MIME: s.file.MIME, Size: s.Size, Body: rc},
		func(sent, total int64) {
			if total <= 0 {
				return
			}
			c.mu.Lock()
			s.Progress = float64(sent) / float64(total)
			c.mu.Unlock()
			c.changed()
		})
	if err != nil {
		return models.Attachment{}, err
	}
	if att.Name == "" {
		att.Name = s.Name
	}
	if att.MIME == "" {
		att.MIME = s.file.MIME
	}
	if att.Size == 0 {
		att.Size = s.Size
	}
	return att, nil
}

// Prepare validates the draft and builds what the engine should dispatch.
// Nothing is cleared; call Commit once the outgoing message has been
// accepted into the list.
func (c *Composer) Prepare(conversationID string, now time.Time) (Outgoing, error) {
	const op chaterr.Op = "composer.Prepare"
	c.mu.Lock()
	defer c.mu.Unlock()

	text := strings.TrimSpace(c.text)
	if n := utf8.RuneCountInString(text); n > c.cfg.MaxTextLength {
		return Outgoing{}, chaterr.Invalid(op, fmt.Sprintf("message is %d characters, the limit is %d", n, c.cfg.MaxTextLength))
	}

	if c.mode == ModeEditing {
		if text == "" {
			return Outgoing{}, chaterr.Invalid(op, "edited message is empty")
		}
		return Outgoing{Kind: OutEdit, EditID: c.targetID, Body: models.TextBody{Content: text}}, nil
	}

	var images, files []models.Attachment
	var consumed []string
	for _, s := range c.staged {
		switch s.State {
		case UploadPending, UploadUploading:
			return Outgoing{}, chaterr.Invalid(op, "attachments are still uploading")
		case UploadReady:
			if s.Image {
				images = append(images, *s.Result)
			} else {
				files = append(files, *s.Result)
			}
			consumed = append(consumed, s.ID)
		}
	}
	body := models.NewBody(text, images, files)
	if body == nil {
		return Outgoing{}, chaterr.Invalid(op, "message is empty")
	}

	key := uuid.NewString()
	m := models.Message{
		ID:             key,
		ConversationID: conversationID,
		Sender:         c.self,
		Body:           body,
		TS:             now,
		State:          models.StatePending,
		CorrelationKey: key,
	}
	if c.reply != nil {
		r := *c.reply
		m.ReplyTo = &r
	}
	return Outgoing{Kind: OutSend, Message: m, consumed: consumed}, nil
}

// Commit clears what out consumed: the text, the target and the uploaded
// attachments. Failed attachments stay staged.
func (c *Composer) Commit(out Outgoing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = ""
	c.stash = ""
	c.mode = ModeCompose
	c.targetID = ""
	c.reply = nil
	if len(out.consumed) == 0 {
		return
	}
	done := make(map[string]bool, len(out.consumed))
	for _, id := range out.consumed {
		done[id] = true
	}
	kept := c.staged[:0]
	for _, s := range c.staged {
		if !done[s.ID] {
			kept = append(kept, s)
		}
	}
	c.staged = kept
}

func (c *Composer) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{Mode: c.mode, Text: c.text, TargetID: c.targetID}
	if c.reply != nil {
		r := *c.reply
		snap.ReplyTo = &r
	}
	for _, s := range c.staged {
		cp := *s
		if s.Result != nil {
			a := *s.Result
			cp.Result = &a
		}
		snap.Staged = append(snap.Staged, cp)
	}
	return snap
}
