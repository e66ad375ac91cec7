package handler

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dialtone/p3d/internal/bot"
	"github.com/dialtone/p3d/internal/fdo"
	"github.com/dialtone/p3d/internal/registry"
	"github.com/dialtone/p3d/internal/session"
	"github.com/dialtone/p3d/internal/wire"
)

// testClient reads frames off the far end of a connection's pipe so
// pacer drains never block and tests can assert on what was delivered.
type testClient struct {
	t      *testing.T
	frames chan *wire.Frame
}

func (c *testClient) next() *wire.Frame {
	c.t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-time.After(2 * time.Second):
		c.t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (c *testClient) expectNone(d time.Duration) {
	c.t.Helper()
	select {
	case f := <-c.frames:
		c.t.Fatalf("unexpected frame %q", f.Token.String())
	case <-time.After(d):
	}
}

type fixture struct {
	t         *testing.T
	users     *registry.UserRegistry
	convos    *registry.ConversationIDManager
	templates *fdo.TemplateStore
	chat      *ChatHandler
	im        *IMHandler
	dod       *DODHandler
	dm        *DownloadManager
	um        *UploadManager
	xfer      *XferHandler
}

func newFixture(t *testing.T) *fixture {
	codec := fdo.DevCodec{}
	users := registry.NewUserRegistry(zerolog.Nop(), nil)
	convos := registry.NewConversationIDManager(nil)
	templates := fdo.NewTemplateStore(t.TempDir(), "classic")
	art := fdo.NewDirArtStore(t.TempDir())
	sched := bot.NewScheduler(zerolog.Nop())
	bots := bot.NopPipeline{}

	dm := NewDownloadManager(zerolog.Nop(), nil, users, codec, time.Second, 16)
	um := NewUploadManager(zerolog.Nop(), nil, users, t.TempDir(), 1<<20, FlowTN,
		time.Second, time.Second, time.Second, 16)

	return &fixture{
		t:         t,
		users:     users,
		convos:    convos,
		templates: templates,
		chat: NewChatHandler(zerolog.Nop(), nil, users, codec, codec, templates,
			bots, sched, 10*time.Second, 16),
		im:   NewIMHandler(zerolog.Nop(), nil, users, convos, codec, codec, bots, sched, "classic"),
		dod:  NewDODHandler(zerolog.Nop(), nil, users, codec, codec, templates, art, 16),
		dm:   dm,
		um:   um,
		xfer: NewXferHandler(dm, um),
	}
}

func (f *fixture) connect(name string) (*session.Session, *registry.UserConnection, *testClient) {
	f.t.Helper()
	server, clientConn := net.Pipe()
	f.t.Cleanup(func() {
		server.Close()
		clientConn.Close()
	})

	pacer := session.NewPacer(server, zerolog.Nop())
	sess := session.New(server, pacer, zerolog.Nop())
	sess.SetAuthenticated(name, "", false)
	uc, _ := f.users.Register(name, sess, pacer, session.PlatformWindows, nil)

	tc := &testClient{t: f.t, frames: make(chan *wire.Frame, 128)}
	go func() {
		r := wire.NewReader(clientConn)
		for {
			fr, err := r.ReadFrame()
			if err != nil {
				return
			}
			tc.frames <- fr
		}
	}()
	return sess, uc, tc
}

// drainStream concatenates AT chunk payloads until the channel goes quiet.
func drainStream(tc *testClient, first *wire.Frame) string {
	var b strings.Builder
	b.Write(first.Payload())
	for {
		select {
		case f := <-tc.frames:
			if f.Token.String() != "AT" {
				return b.String()
			}
			b.Write(f.Payload())
		case <-time.After(100 * time.Millisecond):
			return b.String()
		}
	}
}

func TestChatJoinOrdering(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	aliceSess, aliceUC, alice := fx.connect("Alice")
	carolSess, carolUC, carol := fx.connect("Carol")
	require.Equal(t, 2, aliceUC.SetInChat(true))
	require.Equal(t, 3, carolUC.SetInChat(true))
	_ = aliceSess
	_ = carolSess

	bobSess, _, bob := fx.connect("Bob")
	require.NoError(t, fx.chat.Handle(ctx, bobSess, wire.DataStream("CJ", 0, nil)))

	// Room snapshot arrives on the normalized stream before anything else.
	snap := bob.next()
	assert.Equal(t, "AT", snap.Token.String())
	assert.Equal(t, uint16(wire.DefaultStreamID), snap.StreamID())
	source := drainStream(bob, snap)

	iAlice := strings.Index(source, "chat_member 2 Alice")
	iCarol := strings.Index(source, "chat_member 3 Carol")
	iBob := strings.Index(source, "chat_member 4 Bob")
	require.True(t, iAlice >= 0 && iCarol >= 0 && iBob >= 0, "snapshot lists all members:\n%s", source)
	assert.Less(t, iAlice, iCarol, "members in join order")
	assert.Less(t, iCarol, iBob, "joiner listed last")

	require.NoError(t, fx.chat.Handle(ctx, bobSess, wire.DataStream("CO", 0, nil)))

	// Alice and Carol each see exactly one CA for Bob with tag 4.
	for _, tc := range []*testClient{alice, carol} {
		ca := tc.next()
		assert.Equal(t, "CA", ca.Token.String())
		require.NotEmpty(t, ca.Body)
		assert.Equal(t, byte(4), ca.Body[0])
		assert.Equal(t, "Bob", string(ca.Body[1:]))
	}
	// Bob gets no CA for himself.
	bob.expectNone(150 * time.Millisecond)
}

func TestChatDeparture(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	_, aliceUC, alice := fx.connect("Alice")
	bobSess, bobUC, _ := fx.connect("Bob")
	require.Equal(t, 2, aliceUC.SetInChat(true))
	require.Equal(t, 3, bobUC.SetInChat(true))

	require.NoError(t, fx.chat.Handle(ctx, bobSess, wire.DataStream("CL", 0, nil)))

	cb := alice.next()
	assert.Equal(t, "CB", cb.Token.String())
	require.NotEmpty(t, cb.Body)
	assert.Equal(t, byte(3), cb.Body[0], "departure carries the tag captured before release")
	assert.Equal(t, "Bob", string(cb.Body[1:]))

	assert.False(t, bobUC.InChat())
	_, ok := fx.users.TagForUser("Bob")
	assert.False(t, ok, "tag released")
}

func TestChatDepartureIgnoresDisplacedSession(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	oldSess, _, _ := fx.connect("Bobby")
	_, newUC, _ := fx.connect("Bobby")
	require.Equal(t, 2, newUC.SetInChat(true))

	// The displaced connection's teardown still runs; it must not touch
	// the replacement's room state.
	fx.chat.Departure(ctx, oldSess)

	assert.True(t, newUC.InChat(), "replacement keeps its membership")
	_, ok := fx.users.TagForUser("Bobby")
	assert.True(t, ok, "replacement keeps its tag")
}

func TestAaReassembly(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	bobSess, bobUC, bob := fx.connect("Bob")
	_, aliceUC, alice := fx.connect("Alice")
	require.Equal(t, 2, bobUC.SetInChat(true))
	require.Equal(t, 3, aliceUC.SetInChat(true))

	require.NoError(t, fx.chat.Handle(ctx, bobSess, wire.DataStream("Aa", 0x4242, []byte("he"))))
	require.NoError(t, fx.chat.Handle(ctx, bobSess, wire.DataStream("Aa", 0x4242, []byte("ll"))))
	require.NoError(t, fx.chat.Handle(ctx, bobSess, wire.DataStream("Aa", 0x4242, []byte{'o', fdo.EndStreamMarker})))

	// Exactly one AA line, echoed to Bob and broadcast to Alice.
	for _, tc := range []*testClient{bob, alice} {
		aa := tc.next()
		assert.Equal(t, "AA", aa.Token.String())
		require.NotEmpty(t, aa.Body)
		assert.Equal(t, byte(2), aa.Body[0])
		assert.Equal(t, "hello", string(aa.Body[1:]))
		tc.expectNone(100 * time.Millisecond)
	}
	assert.Zero(t, bobSess.PendingStreamLen(0x4242), "stream buffer emptied")
}

func TestChatMessageFromOutsideRoomDropped(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	bobSess, _, bob := fx.connect("Bob")
	require.NoError(t, fx.chat.Handle(ctx, bobSess,
		wire.DataStream("Aa", 0x10, []byte{'h', 'i', fdo.EndStreamMarker})))
	bob.expectNone(100 * time.Millisecond)
}

func TestIMInitialSendAndReply(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	aliceSess, _, alice := fx.connect("Alice")
	bobSess, _, bob := fx.connect("Bob")

	// iS: delivered to Bob, ACKed to Alice, no echo.
	payload := []byte("Bob\x00hi there\x00")
	payload = append(payload, fdo.EndStreamMarker)
	require.NoError(t, fx.im.Handle(ctx, aliceSess, wire.DataStream("iS", 0x3000, payload)))

	delivered := bob.next()
	assert.Equal(t, "iM", delivered.Token.String())
	assert.Equal(t, uint16(10000), delivered.StreamID(), "window id is the conversation id")
	source := string(delivered.Payload())
	assert.Contains(t, source, "im_receive 10000")
	assert.Contains(t, source, "im_from Alice")
	assert.Contains(t, source, "im_body hi there")
	assert.Contains(t, source, "im_conversation 10000")
	assert.Contains(t, source, "im_theme classic")

	ack := alice.next()
	assert.Equal(t, byte(wire.TypeAck), ack.Type)
	alice.expectNone(100 * time.Millisecond)

	// iT reply via the conversation id: Bob answers without naming Alice.
	reply := []byte("\x00hello yourself\x00\x00\x00\x27\x10") // responseID 10000
	reply = append(reply, fdo.EndStreamMarker)
	require.NoError(t, fx.im.Handle(ctx, bobSess, wire.DataStream("iT", 0x3001, reply)))

	toAlice := alice.next()
	assert.Equal(t, "iM", toAlice.Token.String())
	assert.Equal(t, uint16(10000), toAlice.StreamID(), "reply reuses the same conversation id")
	assert.Contains(t, string(toAlice.Payload()), "im_from Bob")

	echo := bob.next()
	assert.Equal(t, "iE", echo.Token.String())
	assert.Equal(t, uint16(10000), echo.StreamID())
	source = string(echo.Payload())
	assert.Contains(t, source, "im_echo 10000")
	assert.Contains(t, source, "im_body hello yourself")
}

func TestIMDropRules(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	aliceSess, _, alice := fx.connect("Alice")
	_, bobUC, bob := fx.connect("Bob")

	// Recipient behind DOD exclusivity: dropped, never deferred.
	bobUC.SetDODExclusive(ctx, true)
	payload := append([]byte("Bob\x00busy?\x00"), fdo.EndStreamMarker)
	require.NoError(t, fx.im.Handle(ctx, aliceSess, wire.DataStream("iT", 0x3000, payload)))
	bob.expectNone(100 * time.Millisecond)
	assert.Zero(t, bobUC.DeferredLen())
	alice.expectNone(100 * time.Millisecond) // no echo for a dropped iT either? echo skipped with delivery

	// Offline recipient: dropped silently.
	payload = append([]byte("Nobody\x00anyone home\x00"), fdo.EndStreamMarker)
	require.NoError(t, fx.im.Handle(ctx, aliceSess, wire.DataStream("iT", 0x3001, payload)))
	alice.expectNone(100 * time.Millisecond)
}

func TestDODServesArtWithAckAndDeferral(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	bobSess, bobUC, bob := fx.connect("Bob")
	bobUC.SetInChat(true)
	fx.templates.RegisterSource(0x0028B978, "main_menu form")

	// f2 request: gid 0x0028B978 at body offset 2 (offset 0-1 is stream id).
	body := []byte{0x21, 0x00, 0x00, 0x28, 0xB9, 0x78}
	require.NoError(t, fx.dod.Handle(ctx, bobSess, &wire.Frame{
		Type: wire.TypeData, Token: wire.Tok("f2"), Body: body,
	}))

	ack := bob.next()
	assert.Equal(t, byte(wire.TypeAck), ack.Type, "f2 is short-ACKed first")

	idb := bob.next()
	assert.Equal(t, "AT", idb.Token.String())
	assert.Equal(t, uint16(0x2100), idb.StreamID())
	payload := idb.Payload()
	require.GreaterOrEqual(t, len(payload), 5)
	assert.Equal(t, fdo.IDBAtom, payload[0])
	assert.Contains(t, string(payload[5:]), "main_menu form")

	assert.False(t, bobUC.DODExclusive(), "exclusivity cleared after serving")
}

func TestDODMissResponses(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	bobSess, _, bob := fx.connect("Bob")

	// f2 for an unknown gid: the short ACK is the whole answer.
	require.NoError(t, fx.dod.Handle(ctx, bobSess, &wire.Frame{
		Type: wire.TypeData, Token: wire.Tok("f2"),
		Body: []byte{0x21, 0x00, 0x00, 0x28, 0xB9, 0x78},
	}))
	ack := bob.next()
	assert.Equal(t, byte(wire.TypeAck), ack.Type)
	bob.expectNone(150 * time.Millisecond)

	// f1: gid at offset 10, answered with a failure form.
	f1Body := make([]byte, 14)
	f1Body[0], f1Body[1] = 0x21, 0x00
	copy(f1Body[10:], []byte{0x00, 0x28, 0xB9, 0x78})
	require.NoError(t, fx.dod.Handle(ctx, bobSess, &wire.Frame{
		Type: wire.TypeData, Token: wire.Tok("f1"), Body: f1Body,
	}))
	fail := bob.next()
	assert.Equal(t, "AT", fail.Token.String())
	assert.Contains(t, string(fail.Payload()), "f1_failed 40-47480")

	// K1: the response id is echoed, then a no-op stream.
	require.NoError(t, fx.dod.Handle(ctx, bobSess, &wire.Frame{
		Type: wire.TypeData, Token: wire.Tok("K1"),
		Body: []byte{0x21, 0x00, 0x00, 0x2A, 0x00, 0x28, 0xB9, 0x78},
	}))
	echo := bob.next()
	assert.Equal(t, "K1", echo.Token.String())
	assert.Equal(t, []byte{0x00, 0x2A}, echo.Payload())
	noop := bob.next()
	assert.Equal(t, "AT", noop.Token.String())
	assert.Contains(t, string(noop.Payload()), "uni_noop")

	// fh entry: transaction echo plus an empty asset so the form resolves.
	require.NoError(t, fx.dod.Handle(ctx, bobSess, &wire.Frame{
		Type: wire.TypeData, Token: wire.Tok("fh"),
		Body: []byte{0x21, 0x00, 0x00, 0x07, 0x00, 0x01, 0x00, 0x28, 0xB9, 0x78},
	}))
	txn := bob.next()
	assert.Equal(t, "K1", txn.Token.String())
	assert.Equal(t, []byte{0x00, 0x01}, txn.Payload())
	empty := bob.next()
	assert.Equal(t, "AT", empty.Token.String())
	payload := empty.Payload()
	require.Len(t, payload, 5, "kind byte and gid, no data")
	assert.Equal(t, fdo.IDBAtom, payload[0])
}

func TestDODEmptyFormAcked(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	bobSess, _, bob := fx.connect("Bob")

	// stream(2) + formID(2), no request pairs.
	require.NoError(t, fx.dod.Handle(ctx, bobSess, &wire.Frame{
		Type: wire.TypeData, Token: wire.Tok("fh"), Body: []byte{0x21, 0x00, 0x00, 0x07},
	}))
	ack := bob.next()
	assert.Equal(t, byte(wire.TypeAck), ack.Type)
	bob.expectNone(100 * time.Millisecond)
}

func TestDownloadHappyPath(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	bobSess, _, bob := fx.connect("Bob")

	content := make([]byte, 2300)
	for i := range content {
		content[i] = 'A'
	}
	d, err := fx.dm.Begin(ctx, bobSess, "README.TXT", content, "General", "Read me")
	require.NoError(t, err)
	assert.Equal(t, DownloadAwaitingXG, d.Phase)

	announce := bob.next()
	assert.Equal(t, "AT", announce.Token.String())
	tj := bob.next()
	assert.Equal(t, "tj", tj.Token.String())
	assert.Len(t, tj.Body, wire.TJLen)
	tf := bob.next()
	assert.Equal(t, "tf", tf.Token.String())
	assert.Len(t, tf.Body, wire.TFLen)
	assert.Equal(t, byte(wire.TFFlagMeter), tf.Body[0])
	assert.Equal(t, uint32(2300), wire.TFSize(tf.Body))

	require.NoError(t, fx.xfer.Handle(ctx, bobSess, wire.Data("xG", nil)))

	var sizes []int
	var tokens []string
	for i := 0; i < 3; i++ {
		f := bob.next()
		tokens = append(tokens, f.Token.String())
		decoded, err := wire.EscapeDecode(f.Body)
		require.NoError(t, err)
		sizes = append(sizes, len(decoded))
	}
	assert.Equal(t, []string{"F7", "F7", "F9"}, tokens)
	assert.Equal(t, []int{950, 950, 400}, sizes)
	assert.Equal(t, DownloadCompleted, fx.dm.Get(bobSess.ID).Phase)
}

func TestDownloadEmptyFile(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	bobSess, _, bob := fx.connect("Bob")

	_, err := fx.dm.Begin(ctx, bobSess, "EMPTY.TXT", nil, "General", "Nothing")
	require.NoError(t, err)
	bob.next() // announce
	bob.next() // tj
	bob.next() // tf

	require.NoError(t, fx.xfer.Handle(ctx, bobSess, wire.Data("xG", nil)))
	f9 := bob.next()
	assert.Equal(t, "F9", f9.Token.String())
	assert.Empty(t, f9.Body, "empty file still gets a single empty F9")
}

func TestDownloadOneInFlight(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	bobSess, _, bob := fx.connect("Bob")

	_, err := fx.dm.Begin(ctx, bobSess, "A.TXT", []byte("aa"), "", "")
	require.NoError(t, err)
	_, err = fx.dm.Begin(ctx, bobSess, "B.TXT", []byte("bb"), "", "")
	assert.Error(t, err, "second initiation while AwaitingXG fails")
	_ = bob
}

func TestUploadClientAbort(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	bobSess, _, bob := fx.connect("Bob")

	u, err := fx.um.Begin(ctx, bobSess)
	require.NoError(t, err)

	th := bob.next()
	require.Equal(t, "th", th.Token.String())
	assert.Len(t, th.Body, wire.THLen)
	tok := u.RespToken

	// TH response: token + picked path.
	thResp := append([]byte{tok[0], tok[1]}, []byte("C:\\setup.log\x00")...)
	require.NoError(t, fx.xfer.Handle(ctx, bobSess, wire.Data("th", thResp)))

	td := bob.next()
	require.Equal(t, "td", td.Token.String())
	assert.Len(t, td.Body, wire.TDLen)

	// TD response: token + rc 0 + size 12345.
	tdResp := []byte{tok[0], tok[1], 0x00, 0x00, 0x00, 0x30, 0x39}
	require.NoError(t, fx.xfer.Handle(ctx, bobSess, wire.Data("td", tdResp)))

	tf := bob.next()
	require.Equal(t, "tf", tf.Token.String())
	assert.Equal(t, byte(wire.TFFlagUpload), tf.Body[0])
	// Windows name carriage: path, NUL, separator, response token.
	slot := tf.Body[19:]
	p := len("C:\\setup.log")
	assert.Equal(t, "C:\\setup.log", string(slot[:p]))
	assert.Equal(t, []byte{0x00, wire.NameSeparator, tok[0], tok[1]}, slot[p:p+4])

	// Three xd frames, 1000 decoded bytes each; tN prompts after the 3rd.
	chunk := make([]byte, 1000)
	for i := range chunk {
		chunk[i] = 'B'
	}
	encoded := wire.EscapeEncode(chunk)
	for i := 0; i < 3; i++ {
		require.NoError(t, fx.xfer.Handle(ctx, bobSess, wire.Data("xd", encoded)))
	}
	tn := bob.next()
	assert.Equal(t, "tN", tn.Token.String())

	target := fx.um.Get(bobSess.ID).TargetPath
	require.FileExists(t, target)

	// Client aborts with reason 0x04: partial deleted, NO fX.
	require.NoError(t, fx.xfer.Handle(ctx, bobSess, wire.Data("xK", []byte{0x04})))

	got := fx.um.Get(bobSess.ID)
	assert.Equal(t, UploadAborted, got.Phase)
	assert.Equal(t, byte(0x04), got.AbortReason)
	assert.Equal(t, int64(3000), got.ReceivedBytes)
	assert.NoFileExists(t, target)
	bob.expectNone(150 * time.Millisecond)
}

func TestUploadBeginFailureClearsSlot(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	bobSess, _, _ := fx.connect("Bob")

	bobSess.Pacer.Close()
	_, err := fx.um.Begin(ctx, bobSess)
	require.Error(t, err)
	assert.Nil(t, fx.um.Get(bobSess.ID), "failed initiation leaves no active slot")
}

func TestUploadCompleteEmitsFX(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	bobSess, _, bob := fx.connect("Bob")

	u, err := fx.um.Begin(ctx, bobSess)
	require.NoError(t, err)
	bob.next() // th
	tok := u.RespToken

	require.NoError(t, fx.xfer.Handle(ctx, bobSess,
		wire.Data("th", append([]byte{tok[0], tok[1]}, []byte("report.txt\x00")...))))
	bob.next() // td
	require.NoError(t, fx.xfer.Handle(ctx, bobSess,
		wire.Data("td", []byte{tok[0], tok[1], 0x00, 0x00, 0x00, 0x00, 0x05})))
	bob.next() // tf

	require.NoError(t, fx.xfer.Handle(ctx, bobSess, wire.Data("xd", wire.EscapeEncode([]byte("hello")))))
	require.NoError(t, fx.xfer.Handle(ctx, bobSess, wire.Data("xe", nil)))

	fxFrame := bob.next()
	assert.Equal(t, "fX", fxFrame.Token.String())
	require.NotEmpty(t, fxFrame.Body)
	assert.Equal(t, byte(0x00), fxFrame.Body[0], "success code")

	got := fx.um.Get(bobSess.ID)
	assert.Equal(t, UploadCompleted, got.Phase)
	require.FileExists(t, got.TargetPath, "completed uploads are kept")
}

func TestDispatcherSwallowsErrorsAndUnknowns(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	bobSess, _, _ := fx.connect("Bob")

	d := NewDispatcher(zerolog.Nop(), nil)
	d.Register(fx.chat)
	d.Register(fx.im)
	d.Register(fx.dod)
	d.Register(fx.xfer)

	// Unknown token: silently dropped.
	d.Dispatch(ctx, bobSess, wire.Data("zz", nil))

	// Malformed fh body: handler errors, connection survives.
	d.Dispatch(ctx, bobSess, &wire.Frame{Type: wire.TypeData, Token: wire.Tok("fh"), Body: []byte{0x01}})

	// xG without a download: handler errors, swallowed.
	d.Dispatch(ctx, bobSess, wire.Data("xG", nil))
}
