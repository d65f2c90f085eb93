// Package bitcoin builds and signs the five (six, counting the optional
// early-refund fast path) Bitcoin transactions the swap protocol moves funds
// through, and defines the Wallet contract the protocol drives them with.
//
// SPEC_FULL.md §7 marks the Bitcoin wallet itself (key derivation, UTXO
// selection, PSBT signing, broadcast, chain watching, fee estimation) an
// external collaborator: only its interface is fixed here. Wallet is
// grounded on that enumerated surface (new_address, balance, max_giveable,
// sync, estimate_fee, build_tx_lock_psbt, sign_tx_lock, broadcast,
// subscribe_to, get_raw_transaction, get_block_height,
// transaction_block_height, wallet_export); rpcWallet is a real but minimal
// implementation against bitcoind's JSON-RPC via btcsuite/btcd/rpcclient
// (the companion package to the btcd types this module already depends on)
// and btcsuite/btcd/btcutil/psbt for lock-transaction construction, the
// lnd-family PSBT library carried over from backend-engineer1-land/go.mod.
package bitcoin

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"

	"github.com/noot/xmrswap/common"
)

// ErrTxNotFound is returned by GetRawTransaction/TransactionBlockHeight when
// the node doesn't know about the requested transaction.
var ErrTxNotFound = errors.New("bitcoin: transaction not found")

// ApprovalFunc is the user-interaction contract of SPEC_FULL.md §7: before a
// wallet spends funds it invokes this callback with the about-to-broadcast
// transaction's id, amount, and fee, and proceeds only if it returns true.
type ApprovalFunc func(ctx context.Context, txid chainhash.Hash, amount, fee common.BitcoinAmount) (bool, error)

// AlwaysApprove is the trivial ApprovalFunc used by headless/regtest runs
// that never prompt a user.
func AlwaysApprove(context.Context, chainhash.Hash, common.BitcoinAmount, common.BitcoinAmount) (bool, error) {
	return true, nil
}

// TxSubscription is returned by Wallet.SubscribeTo and lets a caller await
// a transaction reaching successive confirmation milestones.
type TxSubscription interface {
	// WaitUntilSeen blocks until the transaction is observed in the mempool.
	WaitUntilSeen(ctx context.Context) error
	// WaitUntilConfirmedWith blocks until the transaction has at least n confirmations.
	WaitUntilConfirmedWith(ctx context.Context, n uint32) error
	// WaitUntilFinal blocks until the transaction is buried past any
	// plausible reorg depth.
	WaitUntilFinal(ctx context.Context) error
}

// Wallet is the Bitcoin wallet contract the protocol's state machines and
// transaction builders are driven by; see the package doc comment.
type Wallet interface {
	NewAddress(ctx context.Context) (btcutil.Address, error)
	Balance(ctx context.Context) (common.BitcoinAmount, error)
	// MaxGiveable returns the largest amount this wallet could send in a
	// single output of the given script length, and the fee that spend
	// would pay, after reserving enough for the fee itself.
	MaxGiveable(ctx context.Context, outputScriptLen int) (amount, fee common.BitcoinAmount, err error)
	Sync(ctx context.Context) error
	EstimateFee(ctx context.Context, weight uint32, amount common.BitcoinAmount) (common.BitcoinAmount, error)

	BuildTxLockPSBT(ctx context.Context, amount common.BitcoinAmount, lockScript []byte) (*psbt.Packet, error)
	SignTxLock(ctx context.Context, pkt *psbt.Packet, approve ApprovalFunc) (*wire.MsgTx, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx, label string) (chainhash.Hash, error)

	SubscribeTo(ctx context.Context, txid chainhash.Hash) (TxSubscription, error)
	GetRawTransaction(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)
	GetBlockHeight(ctx context.Context) (uint32, error)
	TransactionBlockHeight(ctx context.Context, txid chainhash.Hash) (uint32, error)

	WalletExport(ctx context.Context) ([]byte, error)
}

type rpcWallet struct {
	mu     sync.Mutex
	client *rpcclient.Client
	params *chaincfg.Params
}

// NewRPCWallet dials a bitcoind JSON-RPC endpoint (wallet-enabled) and
// returns a Wallet backed by it.
func NewRPCWallet(host, user, pass string, params *chaincfg.Params) (Wallet, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &rpcWallet{client: client, params: params}, nil
}

func (w *rpcWallet) NewAddress(_ context.Context) (btcutil.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.client.GetNewAddress("")
}

func (w *rpcWallet) Balance(_ context.Context) (common.BitcoinAmount, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	bal, err := w.client.GetBalance("*")
	if err != nil {
		return 0, err
	}
	return common.BitcoinToSat(bal.ToBTC()), nil
}

// MaxGiveable estimates a conservative one-input-one-output send: the full
// wallet balance minus the fee of a transaction with outputScriptLen output
// bytes, at a 6-block confirmation target.
func (w *rpcWallet) MaxGiveable(ctx context.Context, outputScriptLen int) (common.BitcoinAmount, common.BitcoinAmount, error) {
	bal, err := w.Balance(ctx)
	if err != nil {
		return 0, 0, err
	}
	weight := uint32(200 + outputScriptLen*4) // rough P2WSH-spend weight estimate
	fee, err := w.EstimateFee(ctx, weight, bal)
	if err != nil {
		return 0, 0, err
	}
	return bal.Sub(fee), fee, nil
}

func (w *rpcWallet) Sync(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.client.GetBlockChainInfo()
	return err
}

func (w *rpcWallet) EstimateFee(_ context.Context, weight uint32, _ common.BitcoinAmount) (common.BitcoinAmount, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	est, err := w.client.EstimateSmartFee(6, &btcjson.EstimateModeConservative)
	if err != nil {
		return 0, err
	}
	if est.FeeRate == nil {
		return common.BitcoinAmount(uint64(weight)), nil // 1 sat per weight unit (4 sat/vbyte) fallback
	}
	satPerVByte := *est.FeeRate * 1e8 / 1000
	vbytes := float64(weight) / 4
	return common.BitcoinAmount(uint64(satPerVByte * vbytes)), nil
}

// BuildTxLockPSBT wraps a single lock output in an unsigned PSBT packet so
// the rest of the funding inputs/change can be added by the wallet's own
// coin selection before SignTxLock is called.
func (w *rpcWallet) BuildTxLockPSBT(_ context.Context, amount common.BitcoinAmount, lockScript []byte) (*psbt.Packet, error) {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(wire.NewTxOut(int64(amount), lockScript))
	return psbt.NewFromUnsignedTx(tx)
}

// SignTxLock funds and signs pkt via walletprocesspsbt, first asking the
// approval callback whether to proceed (spec.md §6's user-interaction
// contract).
func (w *rpcWallet) SignTxLock(ctx context.Context, pkt *psbt.Packet, approve ApprovalFunc) (*wire.MsgTx, error) {
	unsigned := pkt.UnsignedTx
	if len(unsigned.TxOut) == 0 {
		return nil, errors.New("bitcoin: psbt has no outputs")
	}

	if approve != nil {
		amount := common.BitcoinAmount(unsigned.TxOut[0].Value)
		ok, err := approve(ctx, unsigned.TxHash(), amount, 0)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New("bitcoin: tx_lock broadcast not approved")
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	raw, err := psbtToBase64(pkt)
	if err != nil {
		return nil, err
	}
	param, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	resp, err := w.client.RawRequest("walletprocesspsbt", []json.RawMessage{param})
	if err != nil {
		return nil, err
	}
	return decodeSignedPSBT(resp)
}

// psbtToBase64 serialises pkt in the base64 form bitcoind's *psbt RPCs expect.
func psbtToBase64(pkt *psbt.Packet) (string, error) {
	var buf bytes.Buffer
	if err := pkt.Serialize(&buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// decodeSignedPSBT extracts the finalized transaction from a
// walletprocesspsbt response of the form {"psbt": "<base64>", "complete": true}.
func decodeSignedPSBT(resp json.RawMessage) (*wire.MsgTx, error) {
	var result struct {
		PSBT     string `json:"psbt"`
		Complete bool   `json:"complete"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if !result.Complete {
		return nil, errors.New("bitcoin: wallet could not fully sign tx_lock psbt")
	}
	raw, err := base64.StdEncoding.DecodeString(result.PSBT)
	if err != nil {
		return nil, err
	}
	signed, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, err
	}
	finalTx, err := psbt.Extract(signed)
	if err != nil {
		return nil, err
	}
	return finalTx, nil
}

func (w *rpcWallet) Broadcast(_ context.Context, tx *wire.MsgTx, _ string) (chainhash.Hash, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	hash, err := w.client.SendRawTransaction(tx, false)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *hash, nil
}

func (w *rpcWallet) GetRawTransaction(_ context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	tx, err := w.client.GetRawTransaction(&txid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTxNotFound, err)
	}
	return tx.MsgTx(), nil
}

func (w *rpcWallet) GetBlockHeight(_ context.Context) (uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, err := w.client.GetBlockCount()
	if err != nil {
		return 0, err
	}
	return uint32(h), nil
}

func (w *rpcWallet) TransactionBlockHeight(ctx context.Context, txid chainhash.Hash) (uint32, error) {
	w.mu.Lock()
	verbose, err := w.client.GetTransaction(&txid)
	w.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTxNotFound, err)
	}
	if verbose.BlockHash == "" {
		return 0, nil
	}
	blockHash, err := chainhash.NewHashFromStr(verbose.BlockHash)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	header, err := w.client.GetBlockHeaderVerbose(blockHash)
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return uint32(header.Height), nil
}

func (w *rpcWallet) WalletExport(_ context.Context) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	dump, err := w.client.RawRequest("dumpwallet", []json.RawMessage{})
	if err != nil {
		return nil, err
	}
	return dump, nil
}

// rpcSubscription polls GetRawTransaction/TransactionBlockHeight at a fixed
// interval; the RPC wallet contract has no push notifications of its own.
type rpcSubscription struct {
	w            *rpcWallet
	txid         chainhash.Hash
	pollInterval time.Duration
}

func (w *rpcWallet) SubscribeTo(_ context.Context, txid chainhash.Hash) (TxSubscription, error) {
	return &rpcSubscription{w: w, txid: txid, pollInterval: 5 * time.Second}, nil
}

func (s *rpcSubscription) WaitUntilSeen(ctx context.Context) error {
	return s.pollUntil(ctx, func() (bool, error) {
		_, err := s.w.GetRawTransaction(ctx, s.txid)
		if errors.Is(err, ErrTxNotFound) {
			return false, nil
		}
		return err == nil, err
	})
}

func (s *rpcSubscription) WaitUntilConfirmedWith(ctx context.Context, n uint32) error {
	return s.pollUntil(ctx, func() (bool, error) {
		confHeight, err := s.w.TransactionBlockHeight(ctx, s.txid)
		if err != nil || confHeight == 0 {
			return false, nil
		}
		tip, err := s.w.GetBlockHeight(ctx)
		if err != nil {
			return false, err
		}
		return tip-confHeight+1 >= n, nil
	})
}

func (s *rpcSubscription) WaitUntilFinal(ctx context.Context) error {
	return s.WaitUntilConfirmedWith(ctx, 6)
}

func (s *rpcSubscription) pollUntil(ctx context.Context, done func() (bool, error)) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
