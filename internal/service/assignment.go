package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/utubchat/growth-system/internal/model"
	"github.com/utubchat/growth-system/internal/notifier"
	"github.com/utubchat/growth-system/internal/repository"
)

// AssignmentResult содержит закрепление варианта вместе с его контентом.
type AssignmentResult struct {
	Assignment *model.Assignment
	Variant    *model.Variant
	IsNew      bool
}

// AssignVariant возвращает ранее закреплённый за пользователем вариант теста
// или выбирает новый взвешенным случайным выбором и сохраняет закрепление.
// Отсутствующий или неактивный тест — определённое пустое состояние,
// возвращается (nil, nil).
func (s *Service) AssignVariant(ctx context.Context, testID, userID string) (*AssignmentResult, error) {
	test, err := s.repo.GetTest(ctx, testID)
	if err != nil {
		if errors.Is(err, repository.ErrTestNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if test.Status != model.TestStatusActive {
		return nil, nil
	}

	// Проверка существующего закрепления до любого случайного выбора:
	// повторные вызовы обязаны возвращать тот же вариант.
	a, err := s.repo.GetAssignment(ctx, testID, userID)
	if err == nil {
		return s.assignmentResult(ctx, a, false)
	}
	if !errors.Is(err, repository.ErrAssignmentNotFound) {
		return nil, err
	}

	variants, err := s.repo.GetVariantsByTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, ErrNoVariants
	}

	chosen := s.pickVariant(variants)

	a = &model.Assignment{
		TestID:    testID,
		UserID:    userID,
		VariantID: chosen.ID,
	}

	inserted, err := s.repo.CreateAssignment(ctx, a)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Гонка двух первых вызовов: вставку выиграл другой запрос,
		// возвращаем его закрепление.
		winner, err := s.repo.GetAssignment(ctx, testID, userID)
		if err != nil {
			return nil, err
		}
		return s.assignmentResult(ctx, winner, false)
	}

	// Метрики — best-effort: закрепление уже состоялось и остаётся в силе.
	if err := s.repo.CreateMetric(ctx, testID, chosen.ID, userID); err != nil {
		s.logger.Warn("create metric failed",
			zap.Error(err),
			zap.String("testID", testID),
			zap.String("userID", userID),
		)
	}

	s.notifyAssignment(ctx, userID, chosen)

	return &AssignmentResult{Assignment: a, Variant: &chosen, IsNew: true}, nil
}

func (s *Service) assignmentResult(ctx context.Context, a *model.Assignment, isNew bool) (*AssignmentResult, error) {
	v, err := s.repo.GetVariant(ctx, a.VariantID)
	if err != nil {
		return nil, err
	}
	return &AssignmentResult{Assignment: a, Variant: v, IsNew: isNew}, nil
}

// pickVariant выбирает вариант пропорционально весам. Варианты приходят
// в порядке имён, порядок фиксирует tie-break. При нулевой сумме весов
// (или численном дрейфе, не давшем выбора) намеренно возвращается первый
// вариант в этом порядке.
func (s *Service) pickVariant(variants []model.Variant) model.Variant {
	var total float64
	for _, v := range variants {
		if v.TrafficAllocation > 0 {
			total += v.TrafficAllocation
		}
	}
	if total <= 0 {
		return variants[0]
	}

	r := s.randFloat() * total

	var cum float64
	for _, v := range variants {
		if v.TrafficAllocation <= 0 {
			continue
		}
		cum += v.TrafficAllocation
		if cum >= r {
			return v
		}
	}

	return variants[0]
}

// notifyAssignment отправляет пользователю контент закреплённого варианта
// через шлюз уведомлений. Доставка best-effort: ошибка логируется и не
// влияет на результат закрепления.
func (s *Service) notifyAssignment(ctx context.Context, userID string, v model.Variant) {
	if s.notifyClient == nil {
		return
	}

	n := notifier.Notification{
		UserID:  userID,
		Title:   v.MessageTitle,
		Body:    v.MessageBody,
		CTAText: v.CTAText,
		CTALink: v.CTALink,
	}
	if err := s.notifyClient.SendNotification(ctx, n); err != nil {
		s.logger.Warn("send notification failed",
			zap.Error(err),
			zap.String("userID", userID),
			zap.String("variant", v.Name),
		)
	}
}

// TrackEvent выставляет флаг события на метриках закреплённого варианта.
// Идентификатор варианта берётся из закрепления, а не от вызывающего,
// чтобы события не могли попасть в чужой вариант.
func (s *Service) TrackEvent(ctx context.Context, testID, userID string, event model.EventType) error {
	a, err := s.repo.GetAssignment(ctx, testID, userID)
	if err != nil {
		return err
	}
	return s.repo.MarkEvent(ctx, testID, a.VariantID, userID, event)
}
