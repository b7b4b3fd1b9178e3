package gossip

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

// testClient is the remote end of a gossip connection. Its reader
// goroutine keeps the pipe drained so coordinator sends never block.
type testClient struct {
	conn net.Conn
	msgs chan interface{}
}

func newTestClient(conn net.Conn) *testClient {
	tc := &testClient{conn: conn, msgs: make(chan interface{}, 64)}
	go func() {
		defer close(tc.msgs)
		for {
			payload, err := readFrame(conn)
			if err != nil {
				return
			}
			_, msg, err := decodeMessage(payload)
			if err != nil {
				return
			}
			if msg != nil {
				tc.msgs <- msg
			}
		}
	}()
	return tc
}

func (tc *testClient) send(t *testing.T, msg interface{}) {
	t.Helper()
	if err := writeFrame(tc.conn, msg); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func (tc *testClient) next(t *testing.T) interface{} {
	t.Helper()
	select {
	case msg, ok := <-tc.msgs:
		if !ok {
			t.Fatalf("connection closed while waiting for message")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return nil
}

func (tc *testClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-tc.msgs:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("connection still open")
		}
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(zap.NewNop(), nil, "sharenet-test/0.0")
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// connect wires a pipe into the coordinator and completes the version
// handshake from the client side.
func connect(t *testing.T, c *Coordinator, tag string) (*testClient, *Peer) {
	t.Helper()
	server, client := net.Pipe()
	tc := newTestClient(client)

	p, err := c.AddPeer(context.Background(), server, tag)
	if err != nil {
		t.Fatalf("add peer: %v", err)
	}

	if _, ok := tc.next(t).(*VersionMessage); !ok {
		t.Fatalf("first message is not version")
	}
	tc.send(t, &VersionMessage{
		Type:      MsgTypeVersion,
		Version:   ProtocolVersion,
		Nonce:     7,
		UserAgent: "client-test/0.0",
	})
	waitFor(t, p.Verified, "handshake")
	return tc, p
}

func hashSet(hashes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		out[h] = struct{}{}
	}
	return out
}

func TestCoordinator_Handshake(t *testing.T) {
	c := newTestCoordinator(t)
	_, p := connect(t, c, "peer1")

	if !p.Verified() {
		t.Fatalf("peer not verified")
	}
	if c.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", c.PeerCount())
	}
}

func TestCoordinator_RejectsOldProtocol(t *testing.T) {
	c := newTestCoordinator(t)
	server, client := net.Pipe()
	tc := newTestClient(client)
	if _, err := c.AddPeer(context.Background(), server, "old"); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	tc.next(t) // our version
	tc.send(t, &VersionMessage{Type: MsgTypeVersion, Version: 3100, Nonce: 7})
	tc.expectClosed(t)
	waitFor(t, func() bool { return c.PeerCount() == 0 }, "peer removal")
}

func TestCoordinator_RejectsSelfConnection(t *testing.T) {
	c := newTestCoordinator(t)
	server, client := net.Pipe()
	tc := newTestClient(client)
	if _, err := c.AddPeer(context.Background(), server, "self"); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	tc.next(t)
	tc.send(t, &VersionMessage{Type: MsgTypeVersion, Version: ProtocolVersion, Nonce: c.nonce})
	tc.expectClosed(t)
	waitFor(t, func() bool { return c.PeerCount() == 0 }, "peer removal")
}

func TestCoordinator_RejectsMessageBeforeHandshake(t *testing.T) {
	c := newTestCoordinator(t)
	server, client := net.Pipe()
	tc := newTestClient(client)
	if _, err := c.AddPeer(context.Background(), server, "eager"); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	tc.next(t)
	tc.send(t, &HaveTxMessage{Type: MsgTypeHaveTx, Hashes: []string{"aa"}})
	tc.expectClosed(t)
	waitFor(t, func() bool { return c.PeerCount() == 0 }, "peer removal")
}

// A fresh template should reach the peer as have_tx for everything we
// learned plus remember_tx splitting pins by what the remote announced.
func TestCoordinator_TemplateUpdateGossip(t *testing.T) {
	c := newTestCoordinator(t)
	tc, p := connect(t, c, "peer1")

	txA := templateFromRaw([]byte{0x01, 0x00, 0x00, 0x00, 0xaa})
	txB := templateFromRaw([]byte{0x01, 0x00, 0x00, 0x00, 0xbb, 0xcc})

	// Remote announces it already knows A.
	tc.send(t, &HaveTxMessage{Type: MsgTypeHaveTx, Hashes: []string{txA.Key()}})
	waitFor(t, func() bool { return p.RemoteKnows(txA.Key()) }, "have_tx processing")

	c.UpdateGbt([]*TxTemplate{txA, txB})

	have, ok := tc.next(t).(*HaveTxMessage)
	if !ok {
		t.Fatalf("expected have_tx first")
	}
	got := hashSet(have.Hashes)
	if len(got) != 2 {
		t.Fatalf("have_tx carries %d hashes, want 2", len(got))
	}
	if _, ok := got[txA.Key()]; !ok {
		t.Errorf("have_tx missing %s", txA.Key())
	}
	if _, ok := got[txB.Key()]; !ok {
		t.Errorf("have_tx missing %s", txB.Key())
	}

	remember, ok := tc.next(t).(*RememberTxMessage)
	if !ok {
		t.Fatalf("expected remember_tx second")
	}
	if len(remember.Hashes) != 1 || remember.Hashes[0] != txA.Key() {
		t.Errorf("remember_tx hashes = %v, want [%s]", remember.Hashes, txA.Key())
	}
	if len(remember.Txs) != 1 {
		t.Fatalf("remember_tx carries %d full txs, want 1", len(remember.Txs))
	}
	if templateFromRaw(remember.Txs[0]).Key() != txB.Key() {
		t.Errorf("remember_tx full tx is not B")
	}
}

// Dropping a transaction from the next template releases the pin with a
// forget_tx carrying the freed byte count.
func TestCoordinator_TemplateDropSendsForget(t *testing.T) {
	c := newTestCoordinator(t)
	tc, _ := connect(t, c, "peer1")

	txA := templateFromRaw([]byte{0x01, 0x00, 0x00, 0x00, 0xaa})
	txB := templateFromRaw([]byte{0x01, 0x00, 0x00, 0x00, 0xbb, 0xcc})

	c.UpdateGbt([]*TxTemplate{txA, txB})
	tc.next(t) // have_tx
	tc.next(t) // remember_tx

	c.UpdateGbt([]*TxTemplate{txB})

	// A stays known, so no have_tx or losing_tx fires; the mining diff
	// sends only forget_tx for A.
	forget, ok := tc.next(t).(*ForgetTxMessage)
	if !ok {
		t.Fatalf("expected forget_tx")
	}
	if len(forget.Hashes) != 1 || forget.Hashes[0] != txA.Key() {
		t.Errorf("forget_tx hashes = %v, want [%s]", forget.Hashes, txA.Key())
	}
	if forget.TotalSize != uint64(txA.Size()) {
		t.Errorf("forget_tx total size = %d, want %d", forget.TotalSize, txA.Size())
	}
}

// remember_tx carrying full transactions pins them and merges the new
// ones into the known set, which echoes back as have_tx.
func TestCoordinator_RememberAndForgetAccounting(t *testing.T) {
	c := newTestCoordinator(t)
	tc, p := connect(t, c, "peer1")

	rawA := make([]byte, 100)
	rawA[0] = 0x01
	rawB := make([]byte, 150)
	rawB[0] = 0x02
	keyA := templateFromRaw(rawA).Key()
	keyB := templateFromRaw(rawB).Key()

	tc.send(t, &RememberTxMessage{Type: MsgTypeRememberTx, Txs: [][]byte{rawA, rawB}})

	have, ok := tc.next(t).(*HaveTxMessage)
	if !ok {
		t.Fatalf("expected have_tx echo")
	}
	got := hashSet(have.Hashes)
	if _, ok := got[keyA]; !ok {
		t.Errorf("have_tx missing %s", keyA)
	}
	if _, ok := got[keyB]; !ok {
		t.Errorf("have_tx missing %s", keyB)
	}

	remembered := p.RememberedTxs()
	if len(remembered) != 2 {
		t.Fatalf("remembered %d txs, want 2", len(remembered))
	}
	if len(remembered[keyA]) != 100 || len(remembered[keyB]) != 150 {
		t.Errorf("remembered sizes wrong")
	}

	tc.send(t, &ForgetTxMessage{Type: MsgTypeForgetTx, Hashes: []string{keyA, keyB}, TotalSize: 250})
	waitFor(t, func() bool { return len(p.RememberedTxs()) == 0 }, "forget processing")

	if c.PeerCount() != 1 {
		t.Fatalf("peer dropped by well-formed forget_tx")
	}
}

func TestCoordinator_RememberUnknownHashDisconnects(t *testing.T) {
	c := newTestCoordinator(t)
	tc, _ := connect(t, c, "peer1")

	tc.send(t, &RememberTxMessage{
		Type:   MsgTypeRememberTx,
		Hashes: []string{"00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"},
	})
	tc.expectClosed(t)
	waitFor(t, func() bool { return c.PeerCount() == 0 }, "peer removal")
}

func TestCoordinator_RememberDuplicateDisconnects(t *testing.T) {
	c := newTestCoordinator(t)
	tc, _ := connect(t, c, "peer1")

	raw := make([]byte, 60)
	raw[0] = 0x03
	tc.send(t, &RememberTxMessage{Type: MsgTypeRememberTx, Txs: [][]byte{raw, raw}})
	tc.expectClosed(t)
	waitFor(t, func() bool { return c.PeerCount() == 0 }, "peer removal")
}

func TestCoordinator_RememberAlreadyRememberedDisconnects(t *testing.T) {
	c := newTestCoordinator(t)
	tc, p := connect(t, c, "peer1")

	raw := make([]byte, 60)
	raw[0] = 0x04
	key := templateFromRaw(raw).Key()

	tc.send(t, &RememberTxMessage{Type: MsgTypeRememberTx, Txs: [][]byte{raw}})
	tc.next(t) // have_tx echo
	waitFor(t, func() bool { return p.hasRemembered(key) }, "first remember")

	tc.send(t, &RememberTxMessage{Type: MsgTypeRememberTx, Hashes: []string{key}})
	tc.expectClosed(t)
	waitFor(t, func() bool { return c.PeerCount() == 0 }, "peer removal")
}

// Forgotten transactions stay resolvable through the snapshot ring
// until ten further removals push them out.
func TestCoordinator_ForgottenSnapshotWindow(t *testing.T) {
	c := newTestCoordinator(t)

	server, _ := net.Pipe()
	defer server.Close()
	p := newPeer(server, "direct", c, zap.NewNop())

	templates := make([]*TxTemplate, knownTxsCacheDepth+1)
	known := make(TxMap)
	for i := range templates {
		raw := make([]byte, 40)
		raw[0] = byte(i + 1)
		templates[i] = templateFromRaw(raw)
		known[templates[i].Key()] = templates[i]
	}
	c.SetKnownTxs(known)

	// Remove one transaction per commit, oldest first. Each removal
	// records its own snapshot; the eleventh evicts the first.
	for i := range templates {
		next := c.KnownTxs().Copy()
		delete(next, templates[i].Key())
		c.SetKnownTxs(next)
	}

	if err := c.onRememberTx(p, []string{templates[0].Key()}, nil); err == nil {
		t.Fatalf("evicted tx still resolvable")
	}
	if err := c.onRememberTx(p, []string{templates[1].Key()}, nil); err != nil {
		t.Fatalf("tx inside the window not resolvable: %v", err)
	}
	if !p.hasRemembered(templates[1].Key()) {
		t.Fatalf("resolved tx not pinned")
	}
}

func TestCoordinator_LosingTxClearsRemoteView(t *testing.T) {
	c := newTestCoordinator(t)
	tc, p := connect(t, c, "peer1")

	tc.send(t, &HaveTxMessage{Type: MsgTypeHaveTx, Hashes: []string{"aa", "bb"}})
	waitFor(t, func() bool { return p.RemoteKnows("bb") }, "have_tx")

	tc.send(t, &LosingTxMessage{Type: MsgTypeLosingTx, Hashes: []string{"aa"}})
	waitFor(t, func() bool { return !p.RemoteKnows("aa") }, "losing_tx")
	if !p.RemoteKnows("bb") {
		t.Fatalf("losing_tx removed an unrelated hash")
	}
}

func TestCoordinator_PrimesNewPeer(t *testing.T) {
	c := newTestCoordinator(t)

	txA := templateFromRaw([]byte{0x01, 0x00, 0x00, 0x00, 0xaa})
	c.UpdateGbt([]*TxTemplate{txA})

	tc, _ := connect(t, c, "late")

	have, ok := tc.next(t).(*HaveTxMessage)
	if !ok {
		t.Fatalf("expected have_tx priming")
	}
	if len(have.Hashes) != 1 || have.Hashes[0] != txA.Key() {
		t.Errorf("priming have_tx = %v", have.Hashes)
	}

	remember, ok := tc.next(t).(*RememberTxMessage)
	if !ok {
		t.Fatalf("expected remember_tx priming")
	}
	if len(remember.Txs) != 1 {
		t.Errorf("priming remember_tx carries %d txs, want 1", len(remember.Txs))
	}
}
