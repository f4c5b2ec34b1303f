package bracket

import (
	"errors"
	"fmt"
	"math"

	"topstep-gateway/internal/broker"
)

var (
	ErrInvalidFillPrice = errors.New("invalid fill price")
	ErrNegativePoints   = errors.New("bracket points must not be negative")
)

// ComputeLevels derives the final stop-loss and take-profit prices for a
// filled parent order. Point-based offsets are applied relative to the fill:
// a BUY stops below and targets above, a SELL mirrors that. Absolute prices
// carried on the intent pass through verbatim.
func ComputeLevels(intent broker.OrderIntent, fillPrice float64) (stopLoss, takeProfit *float64, err error) {
	if intent.StopLossPoints != nil || intent.TakeProfitPoints != nil {
		if fillPrice <= 0 {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidFillPrice, fillPrice)
		}
	}

	sign := 1.0
	if intent.Side == "SELL" {
		sign = -1.0
	}

	if intent.StopLossPoints != nil {
		points := *intent.StopLossPoints
		if points < 0 {
			return nil, nil, fmt.Errorf("%w: stopLossPoints %v", ErrNegativePoints, points)
		}
		v := round2(fillPrice - sign*points)
		stopLoss = &v
	} else if intent.StopPrice != nil {
		v := *intent.StopPrice
		stopLoss = &v
	}

	if intent.TakeProfitPoints != nil {
		points := *intent.TakeProfitPoints
		if points < 0 {
			return nil, nil, fmt.Errorf("%w: takeProfitPoints %v", ErrNegativePoints, points)
		}
		v := round2(fillPrice + sign*points)
		takeProfit = &v
	} else if intent.LimitPrice != nil && intent.OrderType != "LIMIT" {
		v := *intent.LimitPrice
		takeProfit = &v
	}

	return stopLoss, takeProfit, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
