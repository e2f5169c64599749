// Package service реализует бизнес-логику сервиса growth.
package service

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/utubchat/growth-system/internal/model"
	"github.com/utubchat/growth-system/internal/notifier"
)

// ErrNoVariants возвращается для активного теста без настроенных вариантов.
var (
	ErrNoVariants = errors.New("test has no variants configured")
	// ErrInvalidTestStatus возвращается при попытке установить тесту неизвестный статус.
	ErrInvalidTestStatus = errors.New("invalid test status")
	// ErrTestHasAssignments возвращается при попытке вернуть в черновики тест,
	// по которому уже есть закрепления.
	ErrTestHasAssignments = errors.New("test already has assignments")
	// ErrSelfReferral возвращается при попытке пользователя стать собственным спонсором.
	ErrSelfReferral = errors.New("user cannot sponsor themselves")
	// ErrReferralCycle возвращается, если назначение спонсора замкнуло бы цепочку.
	ErrReferralCycle = errors.New("referral chain would form a cycle")
)

// Предел глубины обхода при проверке цепочки спонсора на цикл.
const cycleCheckDepth = 64

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateTest(ctx context.Context, test *model.Test, variants []model.Variant) error
	GetTest(ctx context.Context, testID string) (*model.Test, error)
	UpdateTestStatus(ctx context.Context, testID string, status model.TestStatus) error
	HasAssignments(ctx context.Context, testID string) (bool, error)
	GetVariantsByTest(ctx context.Context, testID string) ([]model.Variant, error)
	GetVariant(ctx context.Context, variantID string) (*model.Variant, error)
	GetTestResults(ctx context.Context, testID string) ([]model.VariantResult, error)

	GetAssignment(ctx context.Context, testID, userID string) (*model.Assignment, error)
	CreateAssignment(ctx context.Context, a *model.Assignment) (bool, error)
	CreateMetric(ctx context.Context, testID, variantID, userID string) error
	MarkEvent(ctx context.Context, testID, variantID, userID string, event model.EventType) error

	CreateReferral(ctx context.Context, userID, sponsorID string) error
	GetAffiliateChain(ctx context.Context, userID string, maxLevel int) ([]model.AffiliateLink, error)
	GetWalletBalance(ctx context.Context, userID string) (int64, error)

	CreateSourceEvent(ctx context.Context, ev *model.SourceEvent) error
	GetSourceEvent(ctx context.Context, sourceType model.SourceType, id string) (*model.SourceEvent, error)
	PayCommission(ctx context.Context, c *model.Commission) (bool, error)
	GetCommissionsBySource(ctx context.Context, sourceType model.SourceType, sourceID string) ([]model.Commission, error)
	DistributionCompleted(ctx context.Context, sourceType model.SourceType, sourceID string) (bool, error)
	MarkDistributionCompleted(ctx context.Context, sourceType model.SourceType, sourceID string) error
}

// Service содержит бизнес-логику сервиса growth.
type Service struct {
	repo         Repository
	notifyClient *notifier.Client
	logger       *zap.Logger
	levelCap     int
	randFloat    func() float64
}

// NewService создаёт новый сервис. notifyClient может быть nil — тогда
// доставка уведомлений о новых закреплениях отключена.
func NewService(repo Repository, notifyClient *notifier.Client, logger *zap.Logger, levelCap int) *Service {
	if levelCap <= 0 {
		levelCap = 5
	}
	return &Service{
		repo:         repo,
		notifyClient: notifyClient,
		logger:       logger,
		levelCap:     levelCap,
		randFloat:    rand.Float64,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateTest создаёт тест вместе с вариантами. Пустой статус трактуется как черновик.
func (s *Service) CreateTest(ctx context.Context, name string, status model.TestStatus, variants []model.Variant) (*model.Test, []model.Variant, error) {
	if status == "" {
		status = model.TestStatusDraft
	}
	if status != model.TestStatusDraft && status != model.TestStatusActive {
		return nil, nil, ErrInvalidTestStatus
	}
	if len(variants) == 0 {
		return nil, nil, ErrNoVariants
	}

	test := &model.Test{
		ID:     uuid.NewString(),
		Name:   name,
		Status: status,
	}
	for i := range variants {
		variants[i].ID = uuid.NewString()
		variants[i].TestID = test.ID
	}

	if err := s.repo.CreateTest(ctx, test, variants); err != nil {
		return nil, nil, err
	}

	return test, variants, nil
}

// UpdateTestStatus изменяет статус теста. Тест с закреплениями нельзя вернуть в черновики.
func (s *Service) UpdateTestStatus(ctx context.Context, testID string, status model.TestStatus) error {
	switch status {
	case model.TestStatusDraft, model.TestStatusActive, model.TestStatusCompleted:
	default:
		return ErrInvalidTestStatus
	}

	if status == model.TestStatusDraft {
		has, err := s.repo.HasAssignments(ctx, testID)
		if err != nil {
			return err
		}
		if has {
			return ErrTestHasAssignments
		}
	}

	return s.repo.UpdateTestStatus(ctx, testID, status)
}

// GetTestResults возвращает агрегированные метрики теста по вариантам.
func (s *Service) GetTestResults(ctx context.Context, testID string) ([]model.VariantResult, error) {
	if _, err := s.repo.GetTest(ctx, testID); err != nil {
		return nil, err
	}
	return s.repo.GetTestResults(ctx, testID)
}

// EnrollReferral назначает пользователю спонсора. Само-реферал и циклы
// в цепочке спонсоров отклоняются до записи.
func (s *Service) EnrollReferral(ctx context.Context, userID, sponsorID string) error {
	if userID == sponsorID {
		return ErrSelfReferral
	}

	chain, err := s.repo.GetAffiliateChain(ctx, sponsorID, cycleCheckDepth)
	if err != nil {
		return err
	}
	for _, link := range chain {
		if link.AffiliateID == userID {
			return ErrReferralCycle
		}
	}

	return s.repo.CreateReferral(ctx, userID, sponsorID)
}

// GetAffiliateChain возвращает цепочку спонсоров пользователя,
// усечённую до настроенного предела уровней.
func (s *Service) GetAffiliateChain(ctx context.Context, userID string) ([]model.AffiliateLink, error) {
	return s.repo.GetAffiliateChain(ctx, userID, s.levelCap)
}

// GetWalletBalance возвращает баланс кошелька пользователя в монетах.
func (s *Service) GetWalletBalance(ctx context.Context, userID string) (int64, error) {
	return s.repo.GetWalletBalance(ctx, userID)
}

// RecordOrder сохраняет заказ магазина и возвращает его идентификатор.
func (s *Service) RecordOrder(ctx context.Context, userID string, amount int64) (string, error) {
	return s.recordSourceEvent(ctx, model.SourceOrder, userID, amount)
}

// RecordAdSpend сохраняет событие рекламного расхода и возвращает его идентификатор.
func (s *Service) RecordAdSpend(ctx context.Context, userID string, amount int64) (string, error) {
	return s.recordSourceEvent(ctx, model.SourceAd, userID, amount)
}

func (s *Service) recordSourceEvent(ctx context.Context, sourceType model.SourceType, userID string, amount int64) (string, error) {
	ev := &model.SourceEvent{
		ID:     uuid.NewString(),
		Type:   sourceType,
		UserID: userID,
		Amount: amount,
	}
	if err := s.repo.CreateSourceEvent(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}
