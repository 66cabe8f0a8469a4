package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent はイベントの必須項目が欠けていることを表す。
var ErrInvalidEvent = errors.New("不正なイベントです")

// New はdataをJSONに変換してイベントを生成する。
// aggregateIDはKafkaのパーティションキーになるため空にできない。
func New(aggregateID string, aggregateType AggregateType, eventType Type, version int64, data any) (*Event, error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("%w: aggregate_idが空です", ErrInvalidEvent)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	return &Event{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          raw,
		Version:       version,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Key は同じ集約のイベントを同じパーティションに載せるためのメッセージキー。
func (e *Event) Key() []byte {
	return []byte(e.AggregateID)
}

// Encode はイベントをメッセージ本文にシリアライズする。
func (e *Event) Encode() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	return body, nil
}

// Decode はメッセージ本文をイベントにデシリアライズする。
// event_typeが空のメッセージはErrInvalidEventとして扱う。
func Decode(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("イベントのデシリアライズに失敗: %w", err)
	}
	if e.EventType == "" {
		return nil, fmt.Errorf("%w: event_typeが指定されていません", ErrInvalidEvent)
	}
	return &e, nil
}

// DecodeData はDataを型Tとして取り出す。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("%w: %sにdataがありません", ErrInvalidEvent, e.EventType)
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("%sのデータのデシリアライズに失敗: %w", e.EventType, err)
	}
	return &data, nil
}
