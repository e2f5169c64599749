// Package model содержит доменные сущности сервиса growth.
package model

import "time"

// TestStatus описывает статус A/B-теста уведомлений.
type TestStatus string

const (
	TestStatusDraft     TestStatus = "draft"
	TestStatusActive    TestStatus = "active"
	TestStatusCompleted TestStatus = "completed"
)

// Test представляет A/B-тест push-уведомлений.
type Test struct {
	ID        string
	Name      string
	Status    TestStatus
	CreatedAt time.Time
}

// Variant описывает один из вариантов контента теста.
// TrafficAllocation — относительный вес варианта; веса не обязаны
// суммироваться в 100, выбор пропорционален весу.
type Variant struct {
	ID                string
	TestID            string
	Name              string
	MessageTitle      string
	MessageBody       string
	CTAText           string
	CTALink           string
	TrafficAllocation float64
}

// Assignment — закрепление варианта за пользователем в рамках теста.
// Для пары (тест, пользователь) существует не более одной записи,
// после создания запись не изменяется.
type Assignment struct {
	TestID    string
	UserID    string
	VariantID string
	CreatedAt time.Time
}

// EventType описывает тип события метрики теста.
type EventType string

const (
	EventViewed    EventType = "viewed"
	EventClicked   EventType = "clicked"
	EventConverted EventType = "converted"
)

// Metric содержит флаги событий по одному закреплению варианта.
// Флаги монотонны: повторная установка не сбрасывает остальные.
type Metric struct {
	TestID      string
	VariantID   string
	UserID      string
	Viewed      bool
	ViewedAt    *time.Time
	Clicked     bool
	ClickedAt   *time.Time
	Converted   bool
	ConvertedAt *time.Time
}

// SourceType описывает тип исходного денежного события для выплаты комиссий.
type SourceType string

const (
	SourceAd    SourceType = "ad"
	SourceOrder SourceType = "order"
)

// SourceEvent — денежное событие (рекламный расход или заказ),
// с которого начисляются партнёрские комиссии. Сумма хранится в монетах.
type SourceEvent struct {
	ID        string
	Type      SourceType
	UserID    string
	Amount    int64
	CreatedAt time.Time
}

// AffiliateLink — один уровень партнёрской цепочки пользователя.
// Level 1 соответствует прямому спонсору.
type AffiliateLink struct {
	AffiliateID string
	Level       int
}

// CommissionStatus описывает статус выплаты комиссии.
type CommissionStatus string

const (
	CommissionStatusPending CommissionStatus = "pending"
	CommissionStatusPaid    CommissionStatus = "paid"
)

// Commission — начисленная партнёру комиссия с одного исходного события.
// RateBP — ставка в базисных пунктах (10000 = 100%).
type Commission struct {
	ID          string
	SourceType  SourceType
	SourceID    string
	AffiliateID string
	Level       int
	Amount      int64
	RateBP      int64
	Status      CommissionStatus
	CreatedAt   time.Time
}

// VariantResult — агрегированные метрики одного варианта теста.
type VariantResult struct {
	VariantID   string  `json:"variant_id"`
	VariantName string  `json:"variant_name"`
	Assigned    int64   `json:"assigned"`
	Viewed      int64   `json:"viewed"`
	Clicked     int64   `json:"clicked"`
	Converted   int64   `json:"converted"`
	ConvRate    float64 `json:"conversion_rate"`
}
