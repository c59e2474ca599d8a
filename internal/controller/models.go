package controller

// OwnerCreationInfo 包含所有者成功创建时应该返回给客户端的信息
type OwnerCreationInfo struct {
	OwnerID string `json:"ownerId"` // 所有者 ID
}

// SubscriptionCreationInfo 包含订阅成功创建时应该返回给客户端的信息
type SubscriptionCreationInfo struct {
	OwnerID        string `json:"ownerId"`        // 所有者 ID
	SubscriptionID string `json:"subscriptionId"` // 订阅 ID
}
