package errorcode

import "fmt"

const (
	// CodeNoPeerAvailable 表示没有可用于创建事件中心的节点。只影响当前这一次订阅。
	CodeNoPeerAvailable = "~NOPEERAVAILABLE~"
	// CodeConnectionFailed 表示事件中心连接或事件注册失败。只影响当前这一次订阅，不会自动重试。
	CodeConnectionFailed = "~CONNECTIONFAILED~"
	// CodeExpectedShutdown 表示事件中心因超时批量发送而被主动断开。此类错误不会交给调用方。
	CodeExpectedShutdown = "~EXPECTEDSHUTDOWN~"
	// CodeUnexpectedTransport 表示其他来自传输层的错误。会交给调用方的错误接收端。
	CodeUnexpectedTransport = "~UNEXPECTEDTRANSPORT~"
	// CodeRangedHubInUse 表示事件中心上已经存在一个带区块范围的注册。
	CodeRangedHubInUse = "~RANGEDHUBINUSE~"
	// CodeHubClosed 表示事件中心已断开，不能再注册监听。
	CodeHubClosed = "~HUBCLOSED~"
	// CodeInvalidPattern 表示事件名称的正则表达式无法解析。
	CodeInvalidPattern = "~INVALIDPATTERN~"
	// CodeNotFound 表示资源未找到。
	CodeNotFound = "~NOTFOUND~"
)

// ErrorNoPeerAvailable 为使用了 `CodeNoPeerAvailable` 的 error 实例
var ErrorNoPeerAvailable = fmt.Errorf(CodeNoPeerAvailable)

// ErrorConnectionFailed 为使用了 `CodeConnectionFailed` 的 error 实例
var ErrorConnectionFailed = fmt.Errorf(CodeConnectionFailed)

// ErrorExpectedShutdown 为使用了 `CodeExpectedShutdown` 的 error 实例
var ErrorExpectedShutdown = fmt.Errorf(CodeExpectedShutdown)

// ErrorUnexpectedTransport 为使用了 `CodeUnexpectedTransport` 的 error 实例
var ErrorUnexpectedTransport = fmt.Errorf(CodeUnexpectedTransport)

// ErrorRangedHubInUse 为使用了 `CodeRangedHubInUse` 的 error 实例
var ErrorRangedHubInUse = fmt.Errorf(CodeRangedHubInUse)

// ErrorHubClosed 为使用了 `CodeHubClosed` 的 error 实例
var ErrorHubClosed = fmt.Errorf(CodeHubClosed)

// ErrorInvalidPattern 为使用了 `CodeInvalidPattern` 的 error 实例
var ErrorInvalidPattern = fmt.Errorf(CodeInvalidPattern)

// ErrorNotFound 为使用了 `CodeNotFound` 的 error 实例
var ErrorNotFound = fmt.Errorf(CodeNotFound)
