package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/models/common"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/service"
	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriptionService struct {
	mu           sync.Mutex
	messages     chan *common.Message
	subscribeErr error
	lastParams   map[string]interface{}
	closedOwners []string
}

func (f *fakeSubscriptionService) CreateOwner() (string, error) {
	return "1", nil
}

func (f *fakeSubscriptionService) Subscribe(ownerID string, params map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastParams = params
	if f.subscribeErr != nil {
		return "", f.subscribeErr
	}
	if ownerID != "1" {
		return "", errors.Wrapf(errorcode.ErrorNotFound, "所有者 %v 不存在", ownerID)
	}

	return "100", nil
}

func (f *fakeSubscriptionService) Unsubscribe(subscriptionID string) error {
	if subscriptionID != "100" {
		return errors.Wrapf(errorcode.ErrorNotFound, "订阅 %v 不存在", subscriptionID)
	}

	return nil
}

func (f *fakeSubscriptionService) CloseOwner(ownerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closedOwners = append(f.closedOwners, ownerID)
}

func (f *fakeSubscriptionService) Messages(ownerID string) (<-chan *common.Message, error) {
	if ownerID != "1" {
		return nil, errors.Wrapf(errorcode.ErrorNotFound, "所有者 %v 不存在", ownerID)
	}

	return f.messages, nil
}

func (f *fakeSubscriptionService) GetJournal(subscriptionID string) ([]*common.JournalEntry, error) {
	if subscriptionID != "100" {
		return nil, errors.Wrapf(errorcode.ErrorNotFound, "订阅 %v 不存在", subscriptionID)
	}

	return []*common.JournalEntry{{ID: "7", OwnerID: "1", SubscriptionID: "100", Type: common.EventMessage.String()}}, nil
}

func (f *fakeSubscriptionService) Close() {}

func newTestServer(t *testing.T, svc service.SubscriptionServiceInterface) *httptest.Server {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	apiv1Group := router.Group("/api/v1")
	err := RegisterHandlers(apiv1Group, &SubscriptionController{
		GroupName:         "/",
		SubscriptionSvc:   svc,
		KeepAliveInterval: time.Hour,
	})
	require.NoError(t, err)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return server
}

func doRequest(t *testing.T, method, url, body string) (int, string) {
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(respBody)
}

func TestOwnerEndpoints(t *testing.T) {
	svc := &fakeSubscriptionService{}
	server := newTestServer(t, svc)

	status, body := doRequest(t, http.MethodPost, server.URL+"/api/v1/owners", "")
	assert.Equal(t, http.StatusOK, status)
	info := &OwnerCreationInfo{}
	if isNoError := assert.NoError(t, json.Unmarshal([]byte(body), info)); !isNoError {
		t.FailNow()
	}
	assert.Equal(t, "1", info.OwnerID)

	status, _ = doRequest(t, http.MethodDelete, server.URL+"/api/v1/owners/1", "")
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, []string{"1"}, svc.closedOwners)
}

func TestSubscribeEndpoint(t *testing.T) {
	svc := &fakeSubscriptionService{}
	server := newTestServer(t, svc)
	url := server.URL + "/api/v1/owners/1/subscriptions"

	status, body := doRequest(t, http.MethodPost, url, `{"channelName":"mychannel","chaincodeId":"universalCc","endBlock":20,"timeout":true}`)
	assert.Equal(t, http.StatusOK, status)
	info := &SubscriptionCreationInfo{}
	if isNoError := assert.NoError(t, json.Unmarshal([]byte(body), info)); !isNoError {
		t.FailNow()
	}
	assert.Equal(t, "1", info.OwnerID)
	assert.Equal(t, "100", info.SubscriptionID)
	assert.Equal(t, float64(20), svc.lastParams["endBlock"])

	// Missing fields
	status, body = doRequest(t, http.MethodPost, url, `{"channelName":" "}`)
	assert.Equal(t, http.StatusBadRequest, status)
	pel := ParameterErrorList{}
	require.NoError(t, json.Unmarshal([]byte(body), &pel))
	assert.Len(t, pel, 2)

	// Not a JSON object
	status, _ = doRequest(t, http.MethodPost, url, `[1, 2]`)
	assert.Equal(t, http.StatusBadRequest, status)

	// Unknown owner
	status, body = doRequest(t, http.MethodPost, server.URL+"/api/v1/owners/2/subscriptions", `{"channelName":"mychannel","chaincodeId":"universalCc"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, body, `"code":"`+errorcode.CodeNotFound+`"`)
}

func TestSubscribeErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&service.ErrorBadRequest{}, http.StatusBadRequest, ""},
		{&eventmgr.SubscriptionError{Code: errorcode.ErrorNoPeerAvailable}, http.StatusServiceUnavailable, errorcode.CodeNoPeerAvailable},
		{&eventmgr.SubscriptionError{Code: errorcode.ErrorConnectionFailed, SubscriptionID: "100"}, http.StatusServiceUnavailable, errorcode.CodeConnectionFailed},
		{fmt.Errorf("boom"), http.StatusInternalServerError, ""},
	}

	for _, tc := range cases {
		svc := &fakeSubscriptionService{subscribeErr: tc.err}
		server := newTestServer(t, svc)

		status, body := doRequest(t, http.MethodPost, server.URL+"/api/v1/owners/1/subscriptions", `{"channelName":"mychannel","chaincodeId":"universalCc"}`)
		assert.Equal(t, tc.status, status, "error: %v", tc.err)
		if tc.code != "" {
			assert.Contains(t, body, `"code":"`+tc.code+`"`)
		}
	}
}

func TestUnsubscribeAndJournalEndpoints(t *testing.T) {
	server := newTestServer(t, &fakeSubscriptionService{})

	status, _ := doRequest(t, http.MethodDelete, server.URL+"/api/v1/subscriptions/100", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = doRequest(t, http.MethodDelete, server.URL+"/api/v1/subscriptions/101", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body := doRequest(t, http.MethodGet, server.URL+"/api/v1/subscriptions/100/journal", "")
	assert.Equal(t, http.StatusOK, status)
	entries := []*common.JournalEntry{}
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "7", entries[0].ID)

	status, _ = doRequest(t, http.MethodGet, server.URL+"/api/v1/subscriptions/101/journal", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStreamEventsEndpoint(t *testing.T) {
	messages := make(chan *common.Message, 3)
	messages <- &common.Message{
		Type:           common.EventMessage,
		SubscriptionID: "100",
		Event:          &eventmgr.Payload{ChaincodeID: "universalCc", EventName: "created", BlockNumber: 5, Status: eventmgr.TxStatusValid},
	}
	messages <- &common.Message{Type: common.BatchMessage, SubscriptionID: "101"}
	messages <- &common.Message{
		Type:           common.ErrorMessage,
		SubscriptionID: "102",
		Error:          &common.ErrorInfo{Code: errorcode.CodeUnexpectedTransport, Message: "boom"},
	}
	// The stream ends once the mailbox is closed
	close(messages)

	server := newTestServer(t, &fakeSubscriptionService{messages: messages})

	status, body := doRequest(t, http.MethodGet, server.URL+"/api/v1/owners/1/events", "")
	assert.Equal(t, http.StatusOK, status)

	assert.Contains(t, body, "id:100\nevent:event\n")
	assert.Contains(t, body, `"blockNumber":5`)
	assert.Contains(t, body, "id:101\nevent:batch\ndata:[]\n")
	assert.Contains(t, body, "id:102\nevent:error\n")
	assert.Contains(t, body, `"code":"`+errorcode.CodeUnexpectedTransport+`"`)
	assert.Less(t, strings.Index(body, "id:100"), strings.Index(body, "id:101"))

	status, _ = doRequest(t, http.MethodGet, server.URL+"/api/v1/owners/2/events", "")
	assert.Equal(t, http.StatusNotFound, status)
}
