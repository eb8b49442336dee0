package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// TaskFields 描述一次抓取任务：逻辑 key、绑定目标与任务序号。
func TaskFields(action, key, target string, taskID uint64) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"key":     key,
		"target":  target,
		"task_id": taskID,
	}
}

// RequestFields 提供 HTTP 入口的请求字段，source 为空表示尚未得到结果。
func RequestFields(requestID, key, target, source string, success bool) logrus.Fields {
	fields := logrus.Fields{
		"action":  "object",
		"key":     key,
		"target":  target,
		"success": success,
	}
	if source != "" {
		fields["source"] = source
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
