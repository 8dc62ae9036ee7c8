package store

import (
	"bytes"
	"net/http"
	"testing"
	"time"
)

func TestEntryHeaderSizeAcrossAppends(t *testing.T) {
	e := NewEntry("k", time.Time{})
	head := "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n"

	e.Append([]byte(head))
	if e.HeadersComplete() {
		t.Fatal("headers complete before the blank line arrived")
	}

	e.Append([]byte("\r\nbody"))
	if !e.HeadersComplete() {
		t.Fatal("headers not complete after the blank line")
	}
	if got := e.HeaderSize(); got != int64(len(head)+2) {
		t.Fatalf("header size is %d", got)
	}
	if got := e.ObjectLen(); got != int64(len(head)+2+4) {
		t.Fatalf("object length is %d", got)
	}
}

func TestEntryReplyStripsEmbeddedTimes(t *testing.T) {
	e := NewEntry("k", storeClock)
	e.SetBytes(wireObject(t, "body", "X-Kept", "1"))

	res, err := e.Reply()
	if err != nil {
		t.Fatal(err)
	}
	for name := range res.Header {
		if bytes.Contains([]byte(name), []byte("Edgecache-")) {
			t.Fatalf("embedded header %q leaked", name)
		}
	}
	if res.Header.Get("X-Kept") != "1" {
		t.Fatal("stored header lost")
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status is %d", res.StatusCode)
	}
}

func TestEntryContentLength(t *testing.T) {
	e := NewEntry("k", storeClock)
	if got := e.ContentLength(); got != -1 {
		t.Fatalf("headerless entry content length is %d", got)
	}
	e.SetBytes(wireObject(t, "12345"))
	if got := e.ContentLength(); got != 5 {
		t.Fatalf("content length is %d", got)
	}
}

func TestEntryAbortAfterComplete(t *testing.T) {
	e := NewEntry("k", storeClock)
	e.SetBytes(wireObject(t, "done"))
	e.Abort(nil)
	if e.Status() != EntryComplete {
		t.Fatalf("abort after completion changed status to %v", e.Status())
	}
}
