package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/utubchat/growth-system/internal/model"
)

// Ставки комиссий по уровням цепочки в базисных пунктах (10000 = 100%).
// Для рекламных расходов и заказов магазина действуют отдельные таблицы.
// Уровни без ставки пропускаются при распределении, а не считаются нулевыми.
var (
	adCommissionRates = map[int]int64{
		1: 1500,
		2: 700,
		3: 300,
		4: 200,
		5: 100,
	}

	orderCommissionRates = map[int]int64{
		1: 1000,
		2: 500,
		3: 200,
		4: 100,
		5: 50,
	}
)

// CommissionPayout описывает одну выплаченную комиссию.
type CommissionPayout struct {
	Level       int
	AffiliateID string
	Amount      int64
	RateBP      int64
}

// DistributionResult — итог распределения комиссий по одному событию.
type DistributionResult struct {
	Commissions []CommissionPayout
	TotalPaid   int64
}

// DistributeAdCommissions распределяет комиссии с события рекламного расхода.
func (s *Service) DistributeAdCommissions(ctx context.Context, sourceEventID string) (*DistributionResult, error) {
	return s.distribute(ctx, model.SourceAd, sourceEventID, adCommissionRates)
}

// DistributeOrderCommissions распределяет комиссии с заказа магазина.
func (s *Service) DistributeOrderCommissions(ctx context.Context, orderID string) (*DistributionResult, error) {
	return s.distribute(ctx, model.SourceOrder, orderID, orderCommissionRates)
}

// distribute начисляет комиссии вверх по партнёрской цепочке бенефициара
// события. Каждая выплата атомарна на уровне хранилища; завершённый запуск
// фиксируется маркером, поэтому повторный вызов для того же события безопасен:
// после частичного сбоя доначисляются только невыплаченные уровни, после
// завершённого запуска возвращается сохранённый результат.
func (s *Service) distribute(ctx context.Context, sourceType model.SourceType, sourceID string, rates map[int]int64) (*DistributionResult, error) {
	ev, err := s.repo.GetSourceEvent(ctx, sourceType, sourceID)
	if err != nil {
		return nil, err
	}

	done, err := s.repo.DistributionCompleted(ctx, sourceType, sourceID)
	if err != nil {
		return nil, err
	}
	if done {
		return s.replayDistribution(ctx, sourceType, sourceID)
	}

	chain, err := s.repo.GetAffiliateChain(ctx, ev.UserID, s.levelCap)
	if err != nil {
		return nil, err
	}

	res := &DistributionResult{}
	for _, link := range chain {
		rate, ok := rates[link.Level]
		if !ok || rate == 0 {
			continue
		}

		amount := ev.Amount * rate / 10000
		if amount <= 0 {
			continue
		}

		c := &model.Commission{
			ID:          uuid.NewString(),
			SourceType:  sourceType,
			SourceID:    sourceID,
			AffiliateID: link.AffiliateID,
			Level:       link.Level,
			Amount:      amount,
			RateBP:      rate,
			Status:      model.CommissionStatusPending,
		}

		if _, err := s.repo.PayCommission(ctx, c); err != nil {
			// Уже выплаченные уровни остались выплаченными; повторный вызов
			// доначислит оставшихся.
			return nil, err
		}

		res.Commissions = append(res.Commissions, CommissionPayout{
			Level:       link.Level,
			AffiliateID: link.AffiliateID,
			Amount:      amount,
			RateBP:      rate,
		})
		res.TotalPaid += amount
	}

	if err := s.repo.MarkDistributionCompleted(ctx, sourceType, sourceID); err != nil {
		return nil, err
	}

	return res, nil
}

func (s *Service) replayDistribution(ctx context.Context, sourceType model.SourceType, sourceID string) (*DistributionResult, error) {
	recs, err := s.repo.GetCommissionsBySource(ctx, sourceType, sourceID)
	if err != nil {
		return nil, err
	}

	res := &DistributionResult{}
	for _, c := range recs {
		res.Commissions = append(res.Commissions, CommissionPayout{
			Level:       c.Level,
			AffiliateID: c.AffiliateID,
			Amount:      c.Amount,
			RateBP:      c.RateBP,
		})
		res.TotalPaid += c.Amount
	}

	return res, nil
}
