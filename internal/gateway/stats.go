package gateway

import (
	"math"

	"topstep-gateway/internal/broker"
)

// StatsSummary is the aggregated view of broker daily statistics rows,
// shaped for strategy consumption. Monetary figures are rounded to cents.
type StatsSummary struct {
	AccountID    int64   `json:"accountId"`
	Scope        string  `json:"scope"`
	TotalTrades  int     `json:"totalTrades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"winRate"`
	TotalPnL     float64 `json:"totalPnL"`
	TotalFees    float64 `json:"totalFees"`
	GrossProfit  float64 `json:"grossProfit"`
	GrossLoss    float64 `json:"grossLoss"`
	ProfitFactor float64 `json:"profitFactor"`
	AverageWin   float64 `json:"averageWin"`
	AverageLoss  float64 `json:"averageLoss"`
	AveragePnL   float64 `json:"averagePnLPerTrade"`
}

// AggregateStats folds per-day rows into one summary. Gross profit and loss
// are derived from the sign of each day's net, which is the finest grain the
// statistics endpoint exposes.
func AggregateStats(accountID int64, scope string, rows []broker.DailyStat) StatsSummary {
	s := StatsSummary{AccountID: accountID, Scope: scope}

	for _, row := range rows {
		s.TotalTrades += row.Trades
		s.Wins += row.Wins
		s.Losses += row.Losses
		s.TotalPnL += row.PnL
		s.TotalFees += row.Fees
		if row.PnL >= 0 {
			s.GrossProfit += row.PnL
		} else {
			s.GrossLoss += -row.PnL
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades) * 100
		s.AveragePnL = s.TotalPnL / float64(s.TotalTrades)
	}
	if s.Wins > 0 {
		s.AverageWin = s.GrossProfit / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AverageLoss = s.GrossLoss / float64(s.Losses)
	}
	if s.GrossLoss > 0 {
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	}

	s.WinRate = round2(s.WinRate)
	s.TotalPnL = round2(s.TotalPnL)
	s.TotalFees = round2(s.TotalFees)
	s.GrossProfit = round2(s.GrossProfit)
	s.GrossLoss = round2(s.GrossLoss)
	s.ProfitFactor = round2(s.ProfitFactor)
	s.AverageWin = round2(s.AverageWin)
	s.AverageLoss = round2(s.AverageLoss)
	s.AveragePnL = round2(s.AveragePnL)
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
