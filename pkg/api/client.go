// Package api is the REST client of the chat backend. It covers the
// conversation, message, member and upload endpoints the engine consumes.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/pagination"
)

const DefaultTimeout = 15 * time.Second

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// UploadTimeout bounds multipart uploads, which are usually larger.
	UploadTimeout time.Duration
	// Dial overrides the connection dialer, used by tests.
	Dial fasthttp.DialFunc
}

type Client struct {
	base          string
	token         string
	timeout       time.Duration
	uploadTimeout time.Duration
	hc            *fasthttp.Client
}

func New(opts Options) (*Client, error) {
	const op chaterr.Op = "api.New"
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, chaterr.E(op, chaterr.KindConfig, fmt.Sprintf("invalid base url %q", opts.BaseURL))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 4 * opts.Timeout
	}
	hc := &fasthttp.Client{
		Name:                "chatsync",
		ReadTimeout:         opts.Timeout,
		WriteTimeout:        opts.UploadTimeout,
		MaxIdleConnDuration: time.Minute,
		Dial:                opts.Dial,
	}
	return &Client{
		base:          strings.TrimRight(opts.BaseURL, "/"),
		token:         opts.Token,
		timeout:       opts.Timeout,
		uploadTimeout: opts.UploadTimeout,
		hc:            hc,
	}, nil
}

type errorBody struct {
	Error string `json:"error"`
}

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

func kindForStatus(status int) chaterr.Kind {
	switch {
	case status == fasthttp.StatusNotFound:
		return chaterr.KindNotFound
	case status == fasthttp.StatusRequestTimeout || status == fasthttp.StatusTooManyRequests:
		return chaterr.KindNetwork
	case status >= 400 && status < 500:
		return chaterr.KindValidation
	default:
		return chaterr.KindNetwork
	}
}

func (c *Client) deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

func (c *Client) prepare(req *fasthttp.Request, method, path string) {
	req.Header.SetMethod(method)
	req.SetRequestURI(c.base + path)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, op chaterr.Op, method, path string, in, out any) error {
	if err := ctx.Err(); err != nil {
		return chaterr.E(op, chaterr.KindCanceled, path, err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	c.prepare(req, method, path)
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return chaterr.E(op, chaterr.KindValidation, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(body)
	}

	start := time.Now()
	err := c.hc.DoDeadline(req, resp, c.deadline(ctx, c.timeout))
	return c.finish(ctx, op, method, path, start, resp, err, out)
}

func (c *Client) finish(ctx context.Context, op chaterr.Op, method, path string, start time.Time, resp *fasthttp.Response, err error, out any) error {
	if err != nil {
		if ctx.Err() != nil {
			return chaterr.E(op, chaterr.KindCanceled, path, ctx.Err())
		}
		logger.Warn("api_request_failed", "method", method, "path", path, "error", err, "elapsed", time.Since(start))
		return chaterr.Network(op, method+" "+path, err)
	}
	status := resp.StatusCode()
	logger.Debug("api_request", "method", method, "path", path, "status", status, "elapsed", time.Since(start))
	if status < 200 || status >= 300 {
		var eb errorBody
		_ = json.Unmarshal(resp.Body(), &eb)
		return chaterr.E(op, kindForStatus(status), method+" "+path, &StatusError{Status: status, Message: eb.Error})
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return chaterr.Network(op, "decode "+path, err)
	}
	return nil
}

func convPath(id string, rest ...string) string {
	p := "/v1/conversations/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

type conversationsResponse struct {
	Conversations []models.Conversation         `json:"conversations"`
	Pagination    pagination.PaginationResponse `json:"pagination"`
}

// ConversationPage is one page of the conversation list.
type ConversationPage struct {
	Conversations []models.Conversation
	HasMore       bool
	NextCursor    string
}

// ListConversations fetches one page of the caller's conversations.
func (c *Client) ListConversations(ctx context.Context, req pagination.PaginationRequest) (ConversationPage, error) {
	const op chaterr.Op = "api.ListConversations"
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pagination.ClampLimit(req.Limit, pagination.ConversationDefaultLimit, pagination.MaxLimit)))
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	var out conversationsResponse
	if err := c.do(ctx, op, fasthttp.MethodGet, "/v1/conversations?"+q.Encode(), nil, &out); err != nil {
		return ConversationPage{}, err
	}
	return ConversationPage{
		Conversations: out.Conversations,
		HasMore:       out.Pagination.HasMore,
		NextCursor:    out.Pagination.NextCursor,
	}, nil
}

// ListAllConversations follows cursors until the list is exhausted or max
// pages were read.
func (c *Client) ListAllConversations(ctx context.Context, maxPages int) ([]models.Conversation, error) {
	var all []models.Conversation
	req := pagination.PaginationRequest{Limit: pagination.ConversationDefaultLimit}
	for page := 0; maxPages <= 0 || page < maxPages; page++ {
		p, err := c.ListConversations(ctx, req)
		if err != nil {
			return all, err
		}
		all = append(all, p.Conversations...)
		if !p.HasMore || p.NextCursor == "" {
			break
		}
		req.Cursor = p.NextCursor
	}
	return all, nil
}

type conversationResponse struct {
	Conversation models.Conversation `json:"conversation"`
}

func (c *Client) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	const op chaterr.Op = "api.GetConversation"
	var out conversationResponse
	if err := c.do(ctx, op, fasthttp.MethodGet, convPath(id), nil, &out); err != nil {
		return models.Conversation{}, err
	}
	return out.Conversation, nil
}

type messagesResponse struct {
	Messages   []models.Message              `json:"messages"`
	Pagination pagination.PaginationResponse `json:"pagination"`
}

// FetchMessages returns the page of history before req.Cursor, or the
// newest page for an empty cursor.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, req pagination.PaginationRequest) (pagination.Page, error) {
	const op chaterr.Op = "api.FetchMessages"
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pagination.ClampLimit(req.Limit, pagination.MessageDefaultLimit, pagination.MaxLimit)))
	if req.Cursor != "" {
		q.Set("before", req.Cursor)
	}
	var out messagesResponse
	if err := c.do(ctx, op, fasthttp.MethodGet, convPath(conversationID, "messages")+"?"+q.Encode(), nil, &out); err != nil {
		return pagination.Page{}, err
	}
	for i := range out.Messages {
		if out.Messages[i].ConversationID == "" {
			out.Messages[i].ConversationID = conversationID
		}
	}
	return pagination.Page{
		Messages:   out.Messages,
		HasMore:    out.Pagination.HasMore,
		NextCursor: out.Pagination.NextCursor,
	}, nil
}

type sendRequest struct {
	CorrelationKey string           `json:"correlation_key"`
	Body           json.RawMessage  `json:"body"`
	ReplyTo        *models.ReplyRef `json:"reply_to,omitempty"`
	Forwarded      bool             `json:"forwarded,omitempty"`
}

type messageResponse struct {
	Message models.Message `json:"message"`
}

// SendMessage posts m and returns the server copy. The correlation key is
// sent along so the push echo can be matched to the optimistic entry.
func (c *Client) SendMessage(ctx context.Context, m models.Message) (models.Message, error) {
	const op chaterr.Op = "api.SendMessage"
	body, err := models.EncodeBody(m.Body)
	if err != nil {
		return models.Message{}, chaterr.E(op, chaterr.KindValidation, err)
	}
	in := sendRequest{CorrelationKey: m.CorrelationKey, Body: body, ReplyTo: m.ReplyTo, Forwarded: m.Forwarded}
	var out messageResponse
	if err := c.do(ctx, op, fasthttp.MethodPost, convPath(m.ConversationID, "messages"), in, &out); err != nil {
		return models.Message{}, err
	}
	if out.Message.CorrelationKey == "" {
		out.Message.CorrelationKey = m.CorrelationKey
	}
	if out.Message.ConversationID == "" {
		out.Message.ConversationID = m.ConversationID
	}
	return out.Message, nil
}

type editRequest struct {
	Body json.RawMessage `json:"body"`
}

func (c *Client) EditMessage(ctx context.Context, conversationID, messageID string, b models.Body) (models.Message, error) {
	const op chaterr.Op = "api.EditMessage"
	body, err := models.EncodeBody(b)
	if err != nil {
		return models.Message{}, chaterr.E(op, chaterr.KindValidation, err)
	}
	var out messageResponse
	if err := c.do(ctx, op, fasthttp.MethodPut, convPath(conversationID, "messages", messageID), editRequest{Body: body}, &out); err != nil {
		return models.Message{}, err
	}
	return out.Message, nil
}

func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	const op chaterr.Op = "api.DeleteMessage"
	return c.do(ctx, op, fasthttp.MethodDelete, convPath(conversationID, "messages", messageID), nil, nil)
}

type receiptResponse struct {
	Receipt models.ReadReceipt `json:"receipt"`
}

// MarkRead records that the caller read messageID and everything before it.
func (c *Client) MarkRead(ctx context.Context, conversationID, messageID string) (models.ReadReceipt, error) {
	const op chaterr.Op = "api.MarkRead"
	var out receiptResponse
	if err := c.do(ctx, op, fasthttp.MethodPost, convPath(conversationID, "messages", messageID, "read"), nil, &out); err != nil {
		return models.ReadReceipt{}, err
	}
	return out.Receipt, nil
}

// AddParticipant adds id to a group conversation and returns the updated
// conversation.
func (c *Client) AddParticipant(ctx context.Context, conversationID string, id models.Identity) (models.Conversation, error) {
	const op chaterr.Op = "api.AddParticipant"
	var out conversationResponse
	if err := c.do(ctx, op, fasthttp.MethodPost, convPath(conversationID, "participants"), id, &out); err != nil {
		return models.Conversation{}, err
	}
	return out.Conversation, nil
}

// Ping checks that the backend answers at all.
func (c *Client) Ping(ctx context.Context) error {
	const op chaterr.Op = "api.Ping"
	return c.do(ctx, op, fasthttp.MethodGet, "/healthz", nil, nil)
}
