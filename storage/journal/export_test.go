package journal

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"

	"icopool/core/events"
	"icopool/native/pool"
)

func TestWriteParquetExportsEntries(t *testing.T) {
	j := newTestJournal(t, "pool-export")
	j.nowFn = func() time.Time { return time.Unix(1_700_000_000, 0) }
	investor := common.HexToAddress("0x0c01")
	j.Emit(events.Wrap(pool.NewContributedEvent(investor, uint256.NewInt(7), uint256.NewInt(7))))
	j.Emit(events.Wrap(pool.NewPhaseChangedEvent(pool.Transition{From: pool.PhaseRaising, To: pool.PhaseWaitForICO, At: 10})))

	entries, err := j.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteParquet(&buf, entries); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("PAR1")) {
		t.Fatalf("missing parquet magic")
	}

	pf, err := buffer.NewBufferFileFromBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("open buffer: %v", err)
	}
	pr, err := reader.NewParquetReader(pf, new(parquetEntry), 1)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer pr.ReadStop()
	if n := pr.GetNumRows(); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	rows := make([]parquetEntry, 2)
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if rows[0].Sequence != 1 || rows[0].Pool != "pool-export" || rows[0].Attributes != entries[0].Attributes {
		t.Fatalf("unexpected first row %+v", rows[0])
	}
	if rows[1].ID != entries[1].ID.String() || rows[1].CreatedAt != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected second row %+v", rows[1])
	}
}

func TestWriteParquetEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteParquet(&buf, nil); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected a parquet footer for an empty export")
	}
}
