package broker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"topstep-gateway/internal/logging"
)

// ==================== Month Codes ====================

// Futures month codes: F=Jan .. Z=Dec
var monthCodes = map[byte]time.Month{
	'F': time.January,
	'G': time.February,
	'H': time.March,
	'J': time.April,
	'K': time.May,
	'M': time.June,
	'N': time.July,
	'Q': time.August,
	'U': time.September,
	'V': time.October,
	'X': time.November,
	'Z': time.December,
}

// MonthCode returns the futures month code for a month
func MonthCode(m time.Month) byte {
	for code, month := range monthCodes {
		if month == m {
			return code
		}
	}
	return 0
}

// MonthFromCode resolves a month code letter, reporting validity
func MonthFromCode(code byte) (time.Month, bool) {
	m, ok := monthCodes[code]
	return m, ok
}

// productSchedules lists the delivery months each product actually trades.
// Products not listed default to the quarterly cycle.
var productSchedules = map[string][]byte{
	// Metals trade even months plus spot adjustments
	"GC":  {'G', 'J', 'M', 'Q', 'V', 'Z'},
	"MGC": {'G', 'J', 'M', 'Q', 'V', 'Z'},
	"SI":  {'H', 'K', 'N', 'U', 'Z'},
	"SIL": {'H', 'K', 'N', 'U', 'Z'},

	// Energy trades every month
	"CL":  {'F', 'G', 'H', 'J', 'K', 'M', 'N', 'Q', 'U', 'V', 'X', 'Z'},
	"MCL": {'F', 'G', 'H', 'J', 'K', 'M', 'N', 'Q', 'U', 'V', 'X', 'Z'},
	"NG":  {'F', 'G', 'H', 'J', 'K', 'M', 'N', 'Q', 'U', 'V', 'X', 'Z'},
}

var quarterlySchedule = []byte{'H', 'M', 'U', 'Z'}

// scheduleFor returns the delivery-month schedule for a product symbol
func scheduleFor(symbol string) []byte {
	if s, ok := productSchedules[strings.ToUpper(symbol)]; ok {
		return s
	}
	return quarterlySchedule
}

// ActiveMonthCode picks the front delivery month for a product: the earliest
// scheduled month at or after now whose expiry (the 20th of the coded month)
// has not passed, rolling into next year when the schedule is exhausted.
func ActiveMonthCode(symbol string, now time.Time) (byte, int) {
	schedule := scheduleFor(symbol)

	for _, code := range schedule {
		month := monthCodes[code]
		if month < now.Month() {
			continue
		}
		expiry := time.Date(now.Year(), month, 20, 0, 0, 0, 0, time.UTC)
		if expiry.After(now) {
			return code, now.Year()
		}
	}
	return schedule[0], now.Year() + 1
}

// ==================== Contract IDs ====================

// ContractIDParts is the decomposition of a broker contract id
// PREFIX.TYPE.EXCH.SYMBOL.MMYY, e.g. CON.F.US.MGC.Z25
type ContractIDParts struct {
	Prefix    string
	Type      string
	Exchange  string
	Symbol    string
	MonthCode byte
	Year      int // two-digit year
}

// ParseContractID splits a broker contract id into its parts
func ParseContractID(id string) (ContractIDParts, error) {
	fields := strings.Split(id, ".")
	if len(fields) != 5 {
		return ContractIDParts{}, fmt.Errorf("contract id %q: expected 5 dot-separated fields, got %d", id, len(fields))
	}

	mmyy := fields[4]
	if len(mmyy) != 3 {
		return ContractIDParts{}, fmt.Errorf("contract id %q: bad month-year field %q", id, mmyy)
	}

	code := mmyy[0]
	if _, ok := monthCodes[code]; !ok {
		return ContractIDParts{}, fmt.Errorf("contract id %q: unknown month code %q", id, string(code))
	}
	year, err := strconv.Atoi(mmyy[1:])
	if err != nil {
		return ContractIDParts{}, fmt.Errorf("contract id %q: bad year %q", id, mmyy[1:])
	}
	if fields[3] == "" {
		return ContractIDParts{}, fmt.Errorf("contract id %q: empty symbol", id)
	}

	return ContractIDParts{
		Prefix:    fields[0],
		Type:      fields[1],
		Exchange:  fields[2],
		Symbol:    fields[3],
		MonthCode: code,
		Year:      year,
	}, nil
}

// BuildContractID assembles a broker contract id from its parts
func (p ContractIDParts) String() string {
	return fmt.Sprintf("%s.%s.%s.%s.%c%02d", p.Prefix, p.Type, p.Exchange, p.Symbol, p.MonthCode, p.Year)
}

// BuildContractID builds the default US futures contract id for a symbol
func BuildContractID(symbol string, monthCode byte, twoDigitYear int) string {
	return ContractIDParts{
		Prefix:    "CON",
		Type:      "F",
		Exchange:  "US",
		Symbol:    symbol,
		MonthCode: monthCode,
		Year:      twoDigitYear,
	}.String()
}

// ExpiryDate returns the encoded expiry, the 20th of the coded month
func (p ContractIDParts) ExpiryDate() time.Time {
	return time.Date(2000+p.Year, monthCodes[p.MonthCode], 20, 0, 0, 0, 0, time.UTC)
}

// Expired reports whether the encoded expiry is in the past
func (p ContractIDParts) Expired(now time.Time) bool {
	return p.ExpiryDate().Before(now)
}

// ==================== Contract Cache ====================

const contractCacheTTL = time.Hour

// fetchContractsFunc fetches the available contract universe from the broker
type fetchContractsFunc func(ctx context.Context) ([]Contract, error)

type cachedContract struct {
	contract Contract
	cachedAt time.Time
}

// ContractCache maps product symbols to their active-month contract and tick
// metadata, refreshed from the broker at most once per TTL.
type ContractCache struct {
	fetch fetchContractsFunc
	log   *logging.Logger

	mu          sync.RWMutex
	bySymbol    map[string]cachedContract
	byID        map[string]cachedContract
	refreshedAt time.Time
}

// NewContractCache creates a contract cache backed by the given fetcher
func NewContractCache(fetch fetchContractsFunc, log *logging.Logger) *ContractCache {
	return &ContractCache{
		fetch:    fetch,
		log:      log.WithComponent("contracts"),
		bySymbol: make(map[string]cachedContract),
		byID:     make(map[string]cachedContract),
	}
}

// GetContractIDForInstrument resolves a product symbol to its active-month
// contract id, refreshing the cache on miss or expiry.
func (c *ContractCache) GetContractIDForInstrument(ctx context.Context, symbol string) (string, error) {
	contract, err := c.GetContract(ctx, symbol)
	if err != nil {
		return "", err
	}
	return contract.ID, nil
}

// GetContract resolves a product symbol to its cached contract
func (c *ContractCache) GetContract(ctx context.Context, symbol string) (Contract, error) {
	key := strings.ToUpper(symbol)

	c.mu.RLock()
	entry, ok := c.bySymbol[key]
	c.mu.RUnlock()

	if ok && time.Since(entry.cachedAt) < contractCacheTTL {
		return entry.contract, nil
	}

	if err := c.Refresh(ctx); err != nil {
		// A stale entry beats an error when the broker is unreachable
		if ok {
			c.log.Warn("contract refresh failed, serving stale entry", "symbol", key, "error", err)
			return entry.contract, nil
		}
		return Contract{}, err
	}

	c.mu.RLock()
	entry, ok = c.bySymbol[key]
	c.mu.RUnlock()
	if !ok {
		return Contract{}, fmt.Errorf("no contract found for instrument %s", symbol)
	}
	return entry.contract, nil
}

// GetByID looks up a cached contract by its full contract id
func (c *ContractCache) GetByID(contractID string) (Contract, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.byID[contractID]
	if !ok {
		return Contract{}, false
	}
	return entry.contract, true
}

// Refresh repopulates the cache from the broker's available-contract list.
// Every returned symbol is cached, not only the one being looked up.
func (c *ContractCache) Refresh(ctx context.Context) error {
	contracts, err := c.fetch(ctx)
	if err != nil {
		return fmt.Errorf("error fetching available contracts: %w", err)
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, contract := range contracts {
		parts, err := ParseContractID(contract.ID)
		if err != nil {
			c.log.Warn("skipping unparseable contract id", "id", contract.ID, "error", err)
			continue
		}
		if parts.Expired(now) {
			continue
		}
		if contract.PointValue == 0 && contract.TickSize > 0 {
			contract.PointValue = contract.TickValue / contract.TickSize
		}

		entry := cachedContract{contract: contract, cachedAt: now}
		c.byID[contract.ID] = entry

		// Keep only the front month per symbol
		existing, ok := c.bySymbol[parts.Symbol]
		if ok {
			existingParts, perr := ParseContractID(existing.contract.ID)
			if perr == nil && existingParts.ExpiryDate().Before(parts.ExpiryDate()) {
				continue
			}
		}
		c.bySymbol[parts.Symbol] = entry
	}
	c.refreshedAt = now

	c.log.Info("contract cache refreshed", "symbols", len(c.bySymbol), "contracts", len(c.byID))
	return nil
}

// Symbols returns the cached product symbols, sorted
func (c *ContractCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	symbols := make([]string, 0, len(c.bySymbol))
	for s := range c.bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// ==================== Tick Rounding ====================

// RoundToTickSize rounds a price to the nearest multiple of the tick, then
// to 2 or 4 decimal places depending on tick granularity
func RoundToTickSize(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	rounded := math.Round(price/tickSize) * tickSize
	return roundDecimals(rounded, tickDecimals(tickSize))
}

// RoundToTick rounds a price using the cached tick size for a contract id.
// Unknown contracts pass the price through unchanged.
func (c *ContractCache) RoundToTick(contractID string, price float64) float64 {
	contract, ok := c.GetByID(contractID)
	if !ok {
		return price
	}
	return RoundToTickSize(price, contract.TickSize)
}

func tickDecimals(tickSize float64) int {
	if tickSize >= 0.01 {
		return 2
	}
	return 4
}

func roundDecimals(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
