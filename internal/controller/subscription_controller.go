package controller

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gitee.com/czyczk/fabric-ccevent-listener/internal/blockchain/eventmgr"
	"gitee.com/czyczk/fabric-ccevent-listener/internal/service"
	"gitee.com/czyczk/fabric-ccevent-listener/pkg/errorcode"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultKeepAliveInterval is how often an idle event stream sends a comment to keep proxies from closing it.
const DefaultKeepAliveInterval = 15 * time.Second

// A SubscriptionController contains a group name and a `SubscriptionService` instance. It also implements the interface `Controller`.
type SubscriptionController struct {
	GroupName         string
	SubscriptionSvc   service.SubscriptionServiceInterface
	KeepAliveInterval time.Duration
}

// GetGroupName returns the group name.
func (sc *SubscriptionController) GetGroupName() string {
	return sc.GroupName
}

// GetEndpointMap implements part of the interface `Controller`. It returns the API endpoints and handlers which are defined and managed by SubscriptionController.
func (sc *SubscriptionController) GetEndpointMap() EndpointMap {
	return EndpointMap{
		urlMethodPair{"/owners", "POST"}:                                []gin.HandlerFunc{sc.handleCreateOwner},
		urlMethodPair{"/owners/:ownerID", "DELETE"}:                     []gin.HandlerFunc{sc.handleCloseOwner},
		urlMethodPair{"/owners/:ownerID/subscriptions", "POST"}:         []gin.HandlerFunc{sc.handleSubscribe},
		urlMethodPair{"/owners/:ownerID/events", "GET"}:                 []gin.HandlerFunc{sc.handleStreamEvents},
		urlMethodPair{"/subscriptions/:subscriptionID", "DELETE"}:       []gin.HandlerFunc{sc.handleUnsubscribe},
		urlMethodPair{"/subscriptions/:subscriptionID/journal", "GET"}: []gin.HandlerFunc{sc.handleGetJournal},
	}
}

func (sc *SubscriptionController) handleCreateOwner(c *gin.Context) {
	ownerID, err := sc.SubscriptionSvc.CreateOwner()
	if err != nil {
		writeErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, OwnerCreationInfo{OwnerID: ownerID})
}

func (sc *SubscriptionController) handleCloseOwner(c *gin.Context) {
	ownerID := c.Param("ownerID")

	sc.SubscriptionSvc.CloseOwner(ownerID)
	c.Status(http.StatusNoContent)
}

func (sc *SubscriptionController) handleSubscribe(c *gin.Context) {
	ownerID := c.Param("ownerID")

	// Validity check
	pel := &ParameterErrorList{}

	params := make(map[string]interface{})
	if err := c.ShouldBindJSON(&params); err != nil {
		pel.AppendIfNotJSONObject(err, "请求体必须为 JSON 对象。")
		c.AbortWithStatusJSON(http.StatusBadRequest, pel)
		return
	}

	pel.AppendIfEmptyOrBlankSpaces(getStringParam(params, "channelName"), "通道名称不能为空。")
	pel.AppendIfEmptyOrBlankSpaces(getStringParam(params, "chaincodeId"), "链码 ID 不能为空。")

	if len(*pel) > 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, pel)
		return
	}

	subscriptionID, err := sc.SubscriptionSvc.Subscribe(ownerID, params)
	if err != nil {
		writeErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, SubscriptionCreationInfo{
		OwnerID:        ownerID,
		SubscriptionID: subscriptionID,
	})
}

func (sc *SubscriptionController) handleUnsubscribe(c *gin.Context) {
	subscriptionID := c.Param("subscriptionID")

	if err := sc.SubscriptionSvc.Unsubscribe(subscriptionID); err != nil {
		writeErrorResponse(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (sc *SubscriptionController) handleGetJournal(c *gin.Context) {
	subscriptionID := c.Param("subscriptionID")

	entries, err := sc.SubscriptionSvc.GetJournal(subscriptionID)
	if err != nil {
		writeErrorResponse(c, err)
		return
	}

	c.JSON(http.StatusOK, entries)
}

// handleStreamEvents streams the owner's mailbox as Server-Sent Events until the client goes away or the owner is closed. An owner's mailbox should have a single reader.
func (sc *SubscriptionController) handleStreamEvents(c *gin.Context) {
	ownerID := c.Param("ownerID")

	messages, err := sc.SubscriptionSvc.Messages(ownerID)
	if err != nil {
		writeErrorResponse(c, err)
		return
	}

	keepAliveInterval := sc.KeepAliveInterval
	if keepAliveInterval <= 0 {
		keepAliveInterval = DefaultKeepAliveInterval
	}
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	log.Debugf("所有者 %v 的事件流已连接。", ownerID)
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ":keep-alive\n\n")
			return true
		case message, ok := <-messages:
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{
				Event: message.Type.String(),
				Id:    message.SubscriptionID,
				Data:  message.Data(),
			})
			return true
		}
	})
	log.Debugf("所有者 %v 的事件流已断开。", ownerID)
}

// writeErrorResponse maps an error returned by the subscription service to a response.
func writeErrorResponse(c *gin.Context, err error) {
	gr := &GeneralResponse{}
	gr.NewFromError(err)

	switch {
	case service.IsBadRequest(err):
		pel := &ParameterErrorList{err.Error()}
		c.AbortWithStatusJSON(http.StatusBadRequest, pel)
	case errors.Cause(err) == errorcode.ErrorNotFound:
		c.AbortWithStatusJSON(http.StatusNotFound, gr.ToMap())
	case eventmgr.IsNoPeerAvailable(err), eventmgr.IsConnectionFailed(err):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gr.ToMap())
	default:
		log.Errorf("请求 %v %v 处理失败: %v", c.Request.Method, c.Request.URL.Path, err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gr.ToMap())
	}
}

func getStringParam(params map[string]interface{}, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}

	return strings.TrimSpace(fmt.Sprint(v))
}
