package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrMissingPage marks an envelope without a page id. Nothing can be
	// addressed back, so such envelopes are dropped.
	ErrMissingPage = errors.New("envelope missing page_id")
	// ErrMissingCommand marks an envelope without a cmd payload.
	ErrMissingCommand = errors.New("envelope missing cmd")
)

// PageID identifies a browser page session. It keeps the JSON text of the
// id so string and numeric ids echo back exactly as received.
type PageID string

// WildcardPage addresses every page; used for service-wide failures.
const WildcardPage PageID = `"*"`

// NewPageID returns the PageID for a string id.
func NewPageID(id string) PageID {
	return PageID(strconv.Quote(id))
}

func (p PageID) MarshalJSON() ([]byte, error) {
	if p == "" {
		return []byte("null"), nil
	}
	return []byte(p), nil
}

func (p *PageID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*p = ""
		return nil
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("invalid page id %q", trimmed)
	}
	*p = PageID(trimmed)
	return nil
}

// String returns the id without JSON quoting.
func (p PageID) String() string {
	if s, err := strconv.Unquote(string(p)); err == nil {
		return s
	}
	return string(p)
}

// Envelope is the inbound wire frame.
type Envelope struct {
	PageID PageID          `json:"page_id"`
	Cmd    json.RawMessage `json:"cmd,omitempty"`
}

// Response is the outbound wire frame.
type Response struct {
	PageID PageID       `json:"page_id"`
	Cmd    Notification `json:"cmd"`
}

// DecodeEnvelope parses an inbound frame. A decode failure or ErrMissingPage
// leaves no page to answer; ErrMissingCommand and command decode errors
// return the page id so the caller can respond.
func DecodeEnvelope(data []byte) (PageID, Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", Command{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.PageID == "" {
		return "", Command{}, ErrMissingPage
	}
	raw := bytes.TrimSpace(env.Cmd)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return env.PageID, Command{}, ErrMissingCommand
	}
	cmd, err := DecodeCommand(raw)
	if err != nil {
		return env.PageID, Command{}, err
	}
	return env.PageID, cmd, nil
}

// EncodeResponse serialises a notification addressed to a page.
func EncodeResponse(page PageID, n Notification) ([]byte, error) {
	return json.Marshal(Response{PageID: page, Cmd: n})
}

// EncodeRequest serialises a command addressed to a page.
func EncodeRequest(page PageID, cmd Command) ([]byte, error) {
	raw, err := cmd.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{PageID: page, Cmd: raw})
}
