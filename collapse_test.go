package edgecache

import (
	"net/http"
	"testing"

	"github.com/rs/zerolog"

	"github.com/edgecache/edgecache/store"
)

func TestCollapseOfferRules(t *testing.T) {
	cf := NewCollapsedForwarding(true, zerolog.Nop())

	if cf.Offer(store.NewEntry("k1", testClock), true, http.MethodGet) {
		t.Fatal("vary-controlled fetch was offered")
	}
	if cf.Offer(store.NewEntry("k2", testClock), false, http.MethodPost) {
		t.Fatal("POST fetch was offered")
	}
	e := store.NewEntry("k3", testClock)
	if !cf.Offer(e, false, http.MethodGet) {
		t.Fatal("plain GET fetch was not offered")
	}
	if cf.Offer(store.NewEntry("k3", testClock), false, http.MethodGet) {
		t.Fatal("second offer for the same key was accepted")
	}

	off := NewCollapsedForwarding(false, zerolog.Nop())
	if off.Offer(store.NewEntry("k4", testClock), false, http.MethodGet) {
		t.Fatal("disabled arbiter accepted an offer")
	}
}

func TestCollapseMayJoinPendingOnly(t *testing.T) {
	cf := NewCollapsedForwarding(true, zerolog.Nop())
	e := store.NewEntry("k", testClock)
	cf.Offer(e, false, http.MethodGet)

	joined, ok := cf.MayJoin("k")
	if !ok || joined != e {
		t.Fatal("could not join a pending fetch")
	}
	if _, ok := cf.MayJoin("other"); ok {
		t.Fatal("joined a key with no in-flight fetch")
	}

	e.Complete(testClock)
	if _, ok := cf.MayJoin("k"); ok {
		t.Fatal("joined a finished fetch")
	}
	// the finished entry was dropped from the index
	if _, ok := cf.MayJoin("k"); ok {
		t.Fatal("finished fetch still indexed")
	}
}

func TestCollapseShareable(t *testing.T) {
	cf := NewCollapsedForwarding(true, zerolog.Nop())
	e := store.NewEntry("k", testClock)
	cf.Offer(e, false, http.MethodGet)

	if !cf.Shareable(e) {
		t.Fatal("offered entry not shareable")
	}

	cf.Withdraw(e)
	if cf.Shareable(e) {
		t.Fatal("withdrawn pending entry still shareable")
	}

	e.Complete(testClock)
	if !cf.Shareable(e) {
		t.Fatal("completed entry not shareable")
	}

	aborted := store.NewEntry("k2", testClock)
	cf.Offer(aborted, false, http.MethodGet)
	aborted.Abort(nil)
	if cf.Shareable(aborted) {
		t.Fatal("aborted entry still shareable")
	}
}

func TestCollapseWithdrawOnlySameEntry(t *testing.T) {
	cf := NewCollapsedForwarding(true, zerolog.Nop())
	first := store.NewEntry("k", testClock)
	cf.Offer(first, false, http.MethodGet)

	// withdrawing a different entry under the same key is a no-op
	cf.Withdraw(store.NewEntry("k", testClock))
	if joined, ok := cf.MayJoin("k"); !ok || joined != first {
		t.Fatal("foreign withdraw removed the in-flight entry")
	}

	cf.Withdraw(first)
	if _, ok := cf.MayJoin("k"); ok {
		t.Fatal("withdrawn entry still joinable")
	}
}
