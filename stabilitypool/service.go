package stabilitypool

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/soyart/gsl/concurrent"
	"go.uber.org/zap"

	"github.com/soyart/spgains/config"
	"github.com/soyart/spgains/entity"
)

// ContractCaller is the part of *ethclient.Client used by Service.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Service reads claimable collateral gains from the configured Stability Pools.
type Service struct {
	caller ContractCaller
	abi    abi.ABI
	logger *zap.Logger

	collaterals []entity.Collateral
	pools       map[string]common.Address

	callTimeout  time.Duration
	retryBackoff time.Duration
	maxRetries   int

	close func()
}

func New(conf *config.Config, caller ContractCaller, parsedABI abi.ABI, logger *zap.Logger) (*Service, error) {
	if caller == nil {
		return nil, errors.New("nil contract caller")
	}

	if err := checkABI(parsedABI); err != nil {
		return nil, errors.Wrap(err, "bad abi")
	}

	if err := conf.Validate(); err != nil {
		return nil, errors.Wrap(err, "bad config")
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		caller:       caller,
		abi:          parsedABI,
		logger:       logger,
		pools:        make(map[string]common.Address, len(conf.Pools)),
		callTimeout:  conf.CallTimeout,
		retryBackoff: conf.RetryBackoff,
		maxRetries:   conf.Retries(),
	}

	for _, pool := range conf.Pools {
		s.pools[pool.Name] = pool.ContractAddress()

		for i, symbol := range pool.Collaterals {
			s.collaterals = append(s.collaterals, entity.Collateral{
				Symbol: symbol,
				Pool:   pool.Name,
				Index:  uint8(i),
			})
		}
	}

	return s, nil
}

// Dial connects to conf.NodeUrl and loads conf.AbiFile. Both failures are fatal.
func Dial(ctx context.Context, conf *config.Config, logger *zap.Logger) (*Service, error) {
	parsedABI, err := LoadABI(conf.AbiFile)
	if err != nil {
		return nil, err
	}

	client, err := ethclient.DialContext(ctx, conf.NodeUrl)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial node %s", conf.NodeUrl)
	}

	s, err := New(conf, client, parsedABI, logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	s.close = client.Close
	return s, nil
}

func (s *Service) Close() {
	if s.close != nil {
		s.close()
	}
}

// Collaterals returns the collaterals in table order.
func (s *Service) Collaterals() []entity.Collateral {
	collaterals := make([]entity.Collateral, len(s.collaterals))
	copy(collaterals, s.collaterals)

	return collaterals
}

// FetchClaimableAmounts reads every collateral gain of depositor concurrently.
// The table is only returned if all reads succeed.
func (s *Service) FetchClaimableAmounts(ctx context.Context, depositor string) (entity.Table, error) {
	if !IsValidAddress(depositor) {
		return nil, errors.Wrapf(ErrInvalidAddress, "bad depositor %s", depositor)
	}

	addr := common.HexToAddress(depositor)
	table := entity.NewTable(s.collaterals)
	callErrs := make([]error, len(s.collaterals))

	// Buffered so that senders never block on the collector
	errChan := make(chan error, len(s.collaterals))

	var wg sync.WaitGroup
	wg.Add(len(s.collaterals))
	for i := range s.collaterals {
		go func(i int) {
			defer wg.Done()

			collateral := s.collaterals[i]
			raw, err := s.collateralGains(ctx, addr, collateral)
			if err != nil {
				callErrs[i] = err
				errChan <- err
				return
			}

			table[i] = entity.Row{
				Symbol: collateral.Symbol,
				Amount: ToDecimal(raw),
				Raw:    raw,
			}
		}(i)
	}

	if err := concurrent.WaitAndCollectErrors(&wg, errChan); err != nil {
		// Make sure every read has settled before looking at callErrs
		wg.Wait()

		// Report the failure of the lowest index so errors are stable
		for _, callErr := range callErrs {
			if callErr != nil {
				return nil, callErr
			}
		}

		return nil, errors.Wrap(err, "failed to fetch collateral gains")
	}

	s.logger.Debug("fetched collateral gains", zap.String("depositor", addr.Hex()), zap.Int("rows", len(table)))

	return table, nil
}

func (s *Service) collateralGains(ctx context.Context, depositor common.Address, collateral entity.Collateral) (*big.Int, error) {
	callError := func(kind ErrorKind, err error) error {
		return &CallError{Collateral: collateral, Kind: kind, Err: err}
	}

	data, err := s.abi.Pack(MethodCollateralGains, depositor, collateral.Index)
	if err != nil {
		return nil, callError(KindContractCall, errors.Wrap(err, "failed to pack call"))
	}

	to := s.pools[collateral.Pool]
	msg := ethereum.CallMsg{To: &to, Data: data}

	var out []byte
	for attempt := 0; ; attempt++ {
		out, err = s.call(ctx, msg)
		if err == nil {
			break
		}

		if attempt >= s.maxRetries || !retryable(ctx, err) {
			return nil, callError(classify(err), errors.Wrapf(err, "eth_call failed after %d attempt(s)", attempt+1))
		}

		backoff := s.retryBackoff * time.Duration(attempt+1)
		s.logger.Warn(
			"retrying eth_call",
			zap.String("collateral", collateral.Symbol),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, callError(KindTransport, errors.Wrap(ctx.Err(), "cancelled while waiting to retry"))
		case <-time.After(backoff):
		}
	}

	values, err := s.abi.Unpack(MethodCollateralGains, out)
	if err != nil {
		return nil, callError(KindContractCall, errors.Wrap(err, "failed to unpack result"))
	}

	if len(values) != 1 {
		return nil, callError(KindContractCall, errors.Errorf("expected 1 return value, got %d", len(values)))
	}

	raw, ok := values[0].(*big.Int)
	if !ok || raw == nil {
		return nil, callError(KindContractCall, errors.Errorf("unexpected return type %T", values[0]))
	}

	return raw, nil
}

func (s *Service) call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	return s.caller.CallContract(ctx, msg, nil)
}
