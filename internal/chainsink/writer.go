package chainsink

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"

	"dgc/backbone/internal/model"
)

// Status describes the sink's configuration and reachability.
type Status struct {
	Configured      bool   `json:"configured"`
	RPCURL          string `json:"rpcUrl,omitempty"`
	RegistryAddress string `json:"registryAddress,omitempty"`
	SignerAddress   string `json:"signerAddress,omitempty"`
	LatestBlock     uint64 `json:"latestBlock,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Writer accepts a lineage event and returns a transaction reference.
type Writer interface {
	Submit(ctx context.Context, ev model.LedgerEvent) (string, error)
	Status(ctx context.Context) Status
}

const submitGasLimit = 300_000

// RPCWriter writes events to the DGC registry contract over JSON-RPC,
// signing legacy transactions locally.
type RPCWriter struct {
	rpcURL   string
	registry common.Address
	key      *ecdsa.PrivateKey
	signer   common.Address

	mu      sync.Mutex
	client  *rpc.Client
	chainID *big.Int
}

// NewRPCWriter builds a writer from CHAIN_RPC_URL, CHAIN_PRIVATE_KEY and
// DGC_REGISTRY_ADDRESS. The RPC connection is dialed lazily.
func NewRPCWriter(rpcURL, privKeyHex, registryAddr string) (*RPCWriter, error) {
	key, err := crypto.HexToECDSA(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid chain private key: %w", err)
	}
	if !common.IsHexAddress(registryAddr) {
		return nil, fmt.Errorf("invalid registry address %q", registryAddr)
	}
	return &RPCWriter{
		rpcURL:   rpcURL,
		registry: common.HexToAddress(registryAddr),
		key:      key,
		signer:   crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (w *RPCWriter) conn(ctx context.Context) (*rpc.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		c, err := rpc.DialContext(ctx, w.rpcURL)
		if err != nil {
			return nil, fmt.Errorf("dial chain rpc: %w", err)
		}
		w.client = c
	}
	return w.client, nil
}

func (w *RPCWriter) loadChainID(ctx context.Context, c *rpc.Client) (*big.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.chainID != nil {
		return w.chainID, nil
	}
	var raw hexutil.Big
	if err := c.CallContext(ctx, &raw, "eth_chainId"); err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	w.chainID = raw.ToInt()
	return w.chainID, nil
}

// Submit signs and sends one recordEvent transaction. Transient RPC errors
// are retried with bounded exponential backoff within the caller's deadline.
func (w *RPCWriter) Submit(ctx context.Context, ev model.LedgerEvent) (string, error) {
	data, err := Calldata(ev)
	if err != nil {
		return "", err
	}

	var txHash string
	op := func() error {
		c, err := w.conn(ctx)
		if err != nil {
			return err
		}
		chainID, err := w.loadChainID(ctx, c)
		if err != nil {
			return err
		}
		var nonce hexutil.Uint64
		if err := c.CallContext(ctx, &nonce, "eth_getTransactionCount", w.signer, "pending"); err != nil {
			return fmt.Errorf("eth_getTransactionCount: %w", err)
		}
		var gasPrice hexutil.Big
		if err := c.CallContext(ctx, &gasPrice, "eth_gasPrice"); err != nil {
			return fmt.Errorf("eth_gasPrice: %w", err)
		}
		tx := types.NewTransaction(uint64(nonce), w.registry, new(big.Int), submitGasLimit, gasPrice.ToInt(), data)
		signed, err := types.SignTx(tx, types.NewEIP155Signer(chainID), w.key)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("sign tx: %w", err))
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("encode tx: %w", err))
		}
		var ref common.Hash
		if err := c.CallContext(ctx, &ref, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
			return fmt.Errorf("eth_sendRawTransaction: %w", err)
		}
		txHash = ref.Hex()
		return nil
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxElapsedTime(4*time.Second),
	), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("chain write: %w", err)
	}
	return txHash, nil
}

// Status probes the RPC for the latest block.
func (w *RPCWriter) Status(ctx context.Context) Status {
	st := Status{
		Configured:      true,
		RPCURL:          w.rpcURL,
		RegistryAddress: w.registry.Hex(),
		SignerAddress:   w.signer.Hex(),
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	c, err := w.conn(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	var latest hexutil.Uint64
	if err := c.CallContext(ctx, &latest, "eth_blockNumber"); err != nil {
		st.Error = err.Error()
		return st
	}
	st.LatestBlock = uint64(latest)
	return st
}
