package scpi

import (
	"net"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/ocvlog/comm"
)

func TestScanFindsLiveInstruments(t *testing.T) {
	addr := scpiLoopback(t, meterHandler)
	// a freshly closed listener's port refuses connections immediately
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal("could not open listener:", err)
	}
	dead := ln.Addr().String()
	ln.Close()

	resources := []comm.Resource{
		{Scheme: "tcp", Addr: addr},
		{Scheme: "tcp", Addr: dead},
	}
	found := Scan(resources, time.Second)
	if len(found) != 2 {
		t.Fatalf("expected 2 probe results, got %d", len(found))
	}
	if found[0].Err != nil {
		t.Errorf("live instrument probe errored: %v", found[0].Err)
	}
	if found[0].ID != fakeIDN {
		t.Errorf("live instrument ID expected %q, got %q", fakeIDN, found[0].ID)
	}
	if found[1].Err == nil {
		t.Error("dead address probe expected an error, got nil")
	}
	if found[1].ID != "" {
		t.Errorf("dead address probe expected empty ID, got %q", found[1].ID)
	}
}

func TestScanTimesOutOnMuteRemote(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal("could not open listener:", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn // accept and never answer
		}
	}()
	found := Scan([]comm.Resource{{Scheme: "tcp", Addr: ln.Addr().String()}}, 50*time.Millisecond)
	if found[0].Err == nil {
		t.Error("mute remote expected a timeout error, got nil")
	}
}
