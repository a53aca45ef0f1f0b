package eventstore

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"ledgerd.io/ledgerd/internal/domain"
)

const snapshotFormat = 1

// snapshotState is the msgpack wire form of domain.AccountState. Balance is
// kept as its decimal string so no precision is lost.
type snapshotState struct {
	Format                int      `msgpack:"format"`
	AccountID             string   `msgpack:"account_id"`
	Balance               string   `msgpack:"balance"`
	Status                string   `msgpack:"status"`
	OwnerName             string   `msgpack:"owner_name"`
	Currency              string   `msgpack:"currency"`
	ProcessedTransactions []string `msgpack:"processed_transactions"`
	Version               int64    `msgpack:"version"`
}

func encodeSnapshot(s domain.AccountState) ([]byte, error) {
	txIDs := make([]string, 0, len(s.ProcessedTransactions))
	for id := range s.ProcessedTransactions {
		txIDs = append(txIDs, id)
	}
	sort.Strings(txIDs)

	data, err := msgpack.Marshal(snapshotState{
		Format:                snapshotFormat,
		AccountID:             s.AccountID,
		Balance:               s.Balance.String(),
		Status:                string(s.Status),
		OwnerName:             s.OwnerName,
		Currency:              s.Currency,
		ProcessedTransactions: txIDs,
		Version:               s.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (domain.AccountState, error) {
	var wire snapshotState
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return domain.AccountState{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if wire.Format != snapshotFormat {
		return domain.AccountState{}, fmt.Errorf("unsupported snapshot format %d", wire.Format)
	}
	balance, err := decimal.NewFromString(wire.Balance)
	if err != nil {
		return domain.AccountState{}, fmt.Errorf("decode snapshot balance %q: %w", wire.Balance, err)
	}

	state := domain.NewAccountState(wire.AccountID)
	state.Balance = balance
	state.Status = domain.AccountStatus(wire.Status)
	state.OwnerName = wire.OwnerName
	state.Currency = wire.Currency
	state.Version = wire.Version
	for _, id := range wire.ProcessedTransactions {
		state.ProcessedTransactions[id] = struct{}{}
	}
	return state, nil
}
