package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aminovpavel/meshtopo/internal/decode"
	"github.com/aminovpavel/meshtopo/internal/mesh"
	"github.com/aminovpavel/meshtopo/internal/mqtt"
	"github.com/aminovpavel/meshtopo/internal/storage"
	"github.com/aminovpavel/meshtopo/internal/testutil"
)

func TestPipelineStoresRouteDiscoveryAndNodeInfo(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "meshtopo.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	writer, err := storage.NewSQLiteWriter(db, storage.WriterConfig{QueueSize: 32})
	if err != nil {
		t.Fatalf("create writer: %v", err)
	}
	if err := writer.Start(ctx); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	defer func() {
		if err := writer.Stop(); err != nil {
			t.Errorf("stop writer: %v", err)
		}
	}()

	decoder := decode.NewMeshtasticDecoder(decode.MeshtasticConfig{StoreRawEnvelope: true}, nil)
	client := newIntegrationStubClient()
	pipe := New(client, decoder, writer)

	errCh := make(chan error, 1)
	go func() {
		if err := pipe.Run(ctx); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	<-client.started

	client.messages <- mqtt.Message{
		Topic: "msh/test/2/e/LongFast/!12345678",
		Payload: testutil.ServiceEnvelope(testutil.Packet{
			ID:      123,
			From:    0x1234,
			To:      uint32(mesh.Broadcast),
			Decoded: testutil.Data(mesh.PortNodeInfo, testutil.User("!00001234", "Test Node", "TN")),
		}, "LongFast", "!12345678"),
		Time: time.Now(),
	}
	client.messages <- mqtt.Message{
		Topic: "msh/test/2/e/LongFast/!12345678",
		Payload: testutil.ServiceEnvelope(testutil.Packet{
			ID:       124,
			From:     0x1234,
			To:       0x5678,
			HopStart: 3,
			HopLimit: 2,
			Decoded:  testutil.Data(mesh.PortTraceroute, testutil.RouteDiscovery([]uint32{0x9999}, []int32{24, 20}, nil, nil)),
		}, "LongFast", "!12345678"),
		Time: time.Now(),
	}

	var counts storage.Counts
	waitFor(t, func() bool {
		counts, err = db.Counts(context.Background())
		return err == nil && counts.Packets == 2 && counts.Hops == 2
	})

	cancel()
	<-errCh

	if counts.Nodes != 2 {
		t.Fatalf("expected sender and gateway nodes, got %+v", counts)
	}
	names, err := db.DisplayNames(context.Background(), []mesh.NodeID{0x1234})
	if err != nil {
		t.Fatalf("display names: %v", err)
	}
	if names[0x1234] != "Test Node" {
		t.Fatalf("expected Test Node, got %q", names[0x1234])
	}

	n, err := db.RebuildLinkAggregates(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected two measured links, got %d", n)
	}
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for pipeline")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

type integrationStubClient struct {
	messages chan mqtt.Message
	errs     chan error
	started  chan struct{}
	stopOnce sync.Once
}

func newIntegrationStubClient() *integrationStubClient {
	return &integrationStubClient{
		messages: make(chan mqtt.Message, 2),
		errs:     make(chan error, 1),
		started:  make(chan struct{}),
	}
}

func (s *integrationStubClient) Start(context.Context) error {
	close(s.started)
	return nil
}

func (s *integrationStubClient) Stop() {
	s.stopOnce.Do(func() {
		close(s.messages)
		close(s.errs)
	})
}

func (s *integrationStubClient) Messages() <-chan mqtt.Message { return s.messages }
func (s *integrationStubClient) Errors() <-chan error          { return s.errs }
