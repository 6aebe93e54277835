package storage

import (
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/paychannel/channel-guard/messages"
)

// Store is the durable state the service depends on: its write-once identity
// and the received monitor requests, keyed by (channel id, protected
// participant).
type Store interface {
	IsInitialized() (bool, error)
	Setup(chainID int64, contractAddress, serviceAddress common.Address) error
	ChainID() (int64, error)
	ServerAddress() (common.Address, error)
	MonitoringContractAddress() (common.Address, error)

	StoreMonitorRequest(mr *messages.MonitorRequest) error
	GetMonitorRequests(channelID uint64) (map[common.Address]*messages.MonitorRequest, error)
	GetAllMonitorRequests() ([]*messages.MonitorRequest, error)
	DeleteMonitorRequest(channelID uint64, participant common.Address) error
	DeleteMonitorRequests(channelID uint64) error

	Close() error
}

var (
	keyChainID         = []byte("meta/chain_id")
	keyServerAddress   = []byte("meta/server_address")
	keyContractAddress = []byte("meta/contract_address")
	prefixRequest      = []byte("mr/")
)

// BadgerStore keeps service state in a Badger key-value database. Monitor
// requests live under mr/<channel id>/<participant>; a per-channel delete runs
// in a single transaction, so it is atomic with respect to concurrent stores.
type BadgerStore struct {
	db *badger.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open state db %s", path)
	}
	return &BadgerStore{db: db}, nil
}

// OpenInMemory opens a throwaway in-memory database, used in tests.
func OpenInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory state db")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) IsInitialized() (bool, error) {
	var initialized bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(keyChainID)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		initialized = true
		return nil
	})
	return initialized, err
}

func (s *BadgerStore) Setup(chainID int64, contractAddress, serviceAddress common.Address) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyChainID, big.NewInt(chainID).Bytes()); err != nil {
			return err
		}
		if err := txn.Set(keyContractAddress, contractAddress.Bytes()); err != nil {
			return err
		}
		return txn.Set(keyServerAddress, serviceAddress.Bytes())
	})
}

func (s *BadgerStore) ChainID() (int64, error) {
	raw, err := s.get(keyChainID)
	if err != nil {
		return 0, err
	}
	return new(big.Int).SetBytes(raw).Int64(), nil
}

func (s *BadgerStore) ServerAddress() (common.Address, error) {
	raw, err := s.get(keyServerAddress)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw), nil
}

func (s *BadgerStore) MonitoringContractAddress() (common.Address, error) {
	raw, err := s.get(keyContractAddress)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw), nil
}

// StoreMonitorRequest upserts a request under its (channel, participant) key.
// Nonce ordering is the caller's concern; the store always overwrites.
func (s *BadgerStore) StoreMonitorRequest(mr *messages.MonitorRequest) error {
	participant, err := mr.NonClosingSigner()
	if err != nil {
		return errors.Wrap(err, "derive request key")
	}
	val, err := json.Marshal(mr)
	if err != nil {
		return errors.Wrap(err, "encode monitor request")
	}
	key := requestKey(mr.BalanceProof.ChannelID, participant)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func (s *BadgerStore) GetMonitorRequests(channelID uint64) (map[common.Address]*messages.MonitorRequest, error) {
	out := make(map[common.Address]*messages.MonitorRequest)
	prefix := channelPrefix(channelID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			participant := common.BytesToAddress(item.Key()[len(prefix):])
			err := item.Value(func(val []byte) error {
				var mr messages.MonitorRequest
				if err := json.Unmarshal(val, &mr); err != nil {
					return errors.Wrap(err, "decode monitor request")
				}
				out[participant] = &mr
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) GetAllMonitorRequests() ([]*messages.MonitorRequest, error) {
	var out []*messages.MonitorRequest
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRequest
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefixRequest); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var mr messages.MonitorRequest
				if err := json.Unmarshal(val, &mr); err != nil {
					return errors.Wrap(err, "decode monitor request")
				}
				out = append(out, &mr)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// DeleteMonitorRequest removes one (channel, participant) entry. Deleting a
// missing entry is a no-op.
func (s *BadgerStore) DeleteMonitorRequest(channelID uint64, participant common.Address) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(requestKey(channelID, participant))
	})
}

// DeleteMonitorRequests removes every stored request for a channel in one
// transaction.
func (s *BadgerStore) DeleteMonitorRequests(channelID uint64) error {
	prefix := channelPrefix(channelID)
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, errors.Errorf("state db is not initialized (missing %s)", string(key))
	}
	return out, err
}

func requestKey(channelID uint64, participant common.Address) []byte {
	return append(channelPrefix(channelID), participant.Bytes()...)
}

func channelPrefix(channelID uint64) []byte {
	key := make([]byte, 0, len(prefixRequest)+9)
	key = append(key, prefixRequest...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], channelID)
	key = append(key, b[:]...)
	return append(key, '/')
}
