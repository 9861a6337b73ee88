package transport

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/MMw-Unibo/tempos4nfv/mom"
)

type staticSource struct {
	snap *mom.Snapshot
}

func (s staticSource) Class() mom.Class        { return s.snap.Class }
func (s staticSource) Snapshot() *mom.Snapshot { return s.snap }

func testSnapshots() (strict, bestEffort *mom.Snapshot) {
	strict = &mom.Snapshot{
		Class: mom.ClassStrict,
		Nodes: []mom.Node{
			{ID: 7, Endpoint: netip.MustParseAddrPort("127.0.0.1:9000"), Load: 73},
			{ID: 8, Endpoint: netip.MustParseAddrPort("10.0.0.2:9001"), Load: 0},
		},
		Topics: []mom.Topic{
			{Name: "enc", Nodes: []uint32{}},
			{Name: "vpn", Nodes: []uint32{7, 8}},
		},
	}
	bestEffort = &mom.Snapshot{Class: mom.ClassBestEffort, Nodes: []mom.Node{}, Topics: []mom.Topic{}}
	return strict, bestEffort
}

func startBufconnAdmin(t *testing.T, sources ...SnapshotSource) *AdminClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)

	admin, err := NewAdmin("bufnet:0", zaptest.NewLogger(t), sources...)
	require.NoError(t, err)
	go func() { _ = admin.Serve(lis) }()
	t.Cleanup(admin.Stop)

	client, err := DialAdmin("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAdmin_SnapshotAllAndByClass(t *testing.T) {
	strict, bestEffort := testSnapshots()
	client := startBufconnAdmin(t, staticSource{bestEffort}, staticSource{strict})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all, err := client.Snapshot(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, bestEffort, all[0])
	assert.Equal(t, strict, all[1])

	only, err := client.Snapshot(ctx, mom.ClassStrict)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, strict, only[0])

	_, err = client.Snapshot(ctx, "gold")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestNewAdmin_Validation(t *testing.T) {
	strict, _ := testSnapshots()

	_, err := NewAdmin("nocolon", nil, staticSource{strict})
	assert.Error(t, err)

	_, err = NewAdmin("127.0.0.1:0", nil)
	assert.Error(t, err)
}

func TestAdmin_StartBindsSynchronously(t *testing.T) {
	strict, _ := testSnapshots()
	admin, err := NewAdmin("127.0.0.1:0", zaptest.NewLogger(t), staticSource{strict})
	require.NoError(t, err)
	require.NoError(t, admin.Start())
	defer admin.Stop()
	assert.NotEmpty(t, admin.Addr())

	client, err := DialAdmin(admin.Addr())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snaps, err := client.Snapshot(ctx, "")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, uint8(73), snaps[0].Nodes[0].Load)
}
