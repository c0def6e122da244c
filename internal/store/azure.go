package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"go.uber.org/zap"
)

const (
	// AzureTableName is the table bot state lives in.
	AzureTableName = "botdata"
	azureRowKey    = "session"
)

// AzureTableStore keeps sessions in Azure Table storage, one entity per
// conversation with the encoded session in the Data property.
type AzureTableStore struct {
	service *aztables.ServiceClient
	table   *aztables.Client
	log     *zap.Logger
}

// NewAzureTableStore connects with an Azure storage connection string (the
// AzureWebJobsStorage value) and creates the table when it is missing.
func NewAzureTableStore(connectionString, table string, log *zap.Logger) (*AzureTableStore, error) {
	if table == "" {
		table = AzureTableName
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse azure storage connection string: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := svc.CreateTable(ctx, table, nil); err != nil && !isAzureCode(err, aztables.TableAlreadyExists) {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	log.Info("azure table session store ready", zap.String("table", table))
	return &AzureTableStore{service: svc, table: svc.NewClient(table), log: log}, nil
}

type azureEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Data         string `json:"Data"`
}

// azureKey escapes characters Table storage forbids in keys (/ \ # ?).
func azureKey(conversationID string) string {
	return url.PathEscape(conversationID)
}

func (a *AzureTableStore) Load(ctx context.Context, conversationID string) (*Session, error) {
	if conversationID == "" {
		return nil, ErrInvalidKey
	}
	resp, err := a.table.GetEntity(ctx, azureKey(conversationID), azureRowKey, nil)
	if isAzureStatus(err, http.StatusNotFound) {
		return NewSession(conversationID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var e azureEntity
	if err := json.Unmarshal(resp.Value, &e); err != nil {
		return nil, fmt.Errorf("decode table entity %s: %w", conversationID, err)
	}
	return decode(conversationID, []byte(e.Data))
}

func (a *AzureTableStore) Save(ctx context.Context, s *Session) error {
	if s == nil || s.ConversationID == "" {
		return ErrInvalidKey
	}
	touch(s)
	b, err := encode(s)
	if err != nil {
		return err
	}
	entity, err := json.Marshal(azureEntity{
		PartitionKey: azureKey(s.ConversationID),
		RowKey:       azureRowKey,
		Data:         string(b),
	})
	if err != nil {
		return fmt.Errorf("encode table entity: %w", err)
	}
	_, err = a.table.UpsertEntity(ctx, entity, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the session for a conversation.
func (a *AzureTableStore) Delete(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrInvalidKey
	}
	_, err := a.table.DeleteEntity(ctx, azureKey(conversationID), azureRowKey, nil)
	if err != nil && !isAzureStatus(err, http.StatusNotFound) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (a *AzureTableStore) Ping(ctx context.Context) error {
	_, err := a.service.GetProperties(ctx, nil)
	return err
}

func (a *AzureTableStore) Close() error { return nil }

func isAzureStatus(err error, status int) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == status
}

func isAzureCode(err error, code aztables.TableErrorCode) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.ErrorCode == string(code)
}
