package api

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	tmlog "github.com/tendermint/tendermint/libs/log"

	"github.com/paychannel/channel-guard/messages"
)

type stubLister struct {
	requests []*messages.MonitorRequest
	err      error
}

func (s stubLister) MonitorRequests() ([]*messages.MonitorRequest, error) {
	return s.requests, s.err
}

type stubSink struct {
	logs []types.Log
	err  error
}

func (s *stubSink) HandleLog(lg types.Log) error {
	if s.err != nil {
		return s.err
	}
	s.logs = append(s.logs, lg)
	return nil
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestListMonitorRequests(t *testing.T) {
	lister := stubLister{requests: []*messages.MonitorRequest{
		{
			BalanceProof: messages.BalanceProof{ChannelID: 7, Nonce: 3},
			RewardAmount: big.NewInt(10),
		},
	}}
	s := NewServer("localhost:0", lister, &stubSink{}, tmlog.NewNopLogger())

	rec := serve(s, httptest.NewRequest(http.MethodGet, basePath+"/monitor_requests", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []*messages.MonitorRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, uint64(7), got[0].BalanceProof.ChannelID)
}

func TestListMonitorRequestsStoreError(t *testing.T) {
	s := NewServer("localhost:0", stubLister{err: errors.New("db closed")}, &stubSink{}, tmlog.NewNopLogger())
	rec := serve(s, httptest.NewRequest(http.MethodGet, basePath+"/monitor_requests", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestEventInjection(t *testing.T) {
	sink := &stubSink{}
	s := NewServer("localhost:0", stubLister{}, sink, tmlog.NewNopLogger())

	lg := types.Log{
		Address:     common.HexToAddress("0x01"),
		Topics:      []common.Hash{common.HexToHash("0x02")},
		Data:        []byte{},
		BlockNumber: 12,
	}
	body, err := json.Marshal(lg)
	require.NoError(t, err)

	rec := serve(s, httptest.NewRequest(http.MethodPut, basePath+"/events", bytes.NewReader(body)))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, sink.logs, 1)
	require.Equal(t, uint64(12), sink.logs[0].BlockNumber)

	rec = serve(s, httptest.NewRequest(http.MethodPut, basePath+"/events", bytes.NewReader([]byte("{"))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, sink.logs, 1)

	sink.err = errors.New("monitor not running")
	rec = serve(s, httptest.NewRequest(http.MethodPut, basePath+"/events", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestShutdownStopsListener(t *testing.T) {
	s := NewServer("127.0.0.1:0", stubLister{}, &stubSink{}, tmlog.NewNopLogger())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe() }()

	require.NoError(t, s.Shutdown())
	require.NoError(t, <-done)
}
