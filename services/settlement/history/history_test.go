package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"settlecore/core/events"
	"settlecore/crypto"
)

func newArchive(t *testing.T) *Archive {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open("sqlite", dsn)
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	archive, err := NewArchive(context.Background(), db, clock, nil)
	require.NoError(t, err)
	return archive
}

func TestArchiveAppendAndList(t *testing.T) {
	archive := newArchive(t)
	redeemer := crypto.ModuleAddress("redeemer")
	archive.Emit(events.OrderAdded{OrderID: 1, Redeemer: redeemer, Amount: uint256.NewInt(2_000_000_000)})
	archive.Emit(events.OrderCleared{OrderID: 1, Settled: uint256.NewInt(5), Remaining: uint256.NewInt(0)})
	archive.Emit(events.OrderClosed{OrderID: 1})

	all, err := archive.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, events.TypeOrderAdded, all[0].Type)
	ev, err := all[0].Event()
	require.NoError(t, err)
	require.Equal(t, redeemer.String(), ev.Attributes["redeemer"])

	after, err := archive.List(context.Background(), Query{After: all[0].Seq, Type: events.TypeOrderClosed})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, all[2].Seq, after[0].Seq)

	require.NoError(t, archive.Verify(context.Background()))
}

func TestArchiveChainDetectsTampering(t *testing.T) {
	archive := newArchive(t)
	archive.Emit(events.OrderClosed{OrderID: 1})
	archive.Emit(events.OrderClosed{OrderID: 2})

	records, err := archive.List(context.Background(), Query{})
	require.NoError(t, err)
	require.NotEqual(t, records[0].Fingerprint, records[1].Fingerprint)

	require.NoError(t, archive.db.Model(&EventRecord{}).
		Where("seq = ?", records[0].Seq).
		Update("attributes", `{"orderId":"9"}`).Error)
	err = archive.Verify(context.Background())
	require.True(t, errors.Is(err, ErrChainBroken), "got %v", err)
}

func TestArchiveResumesChain(t *testing.T) {
	archive := newArchive(t)
	first, err := archive.Append(context.Background(), events.OrderClosed{OrderID: 1}.Event())
	require.NoError(t, err)

	resumed, err := NewArchive(context.Background(), archive.db, nil, nil)
	require.NoError(t, err)
	second, err := resumed.Append(context.Background(), events.OrderClosed{OrderID: 2}.Event())
	require.NoError(t, err)
	require.Equal(t, Fingerprint(first.Fingerprint, events.OrderClosed{OrderID: 2}.Event()), second.Fingerprint)
	require.NoError(t, resumed.Verify(context.Background()))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "")
	require.Error(t, err)
}
