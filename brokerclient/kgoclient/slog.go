// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package kgoclient

import "log/slog"

func groupIDAttr(groupID string) slog.Attr {
	return slog.String("messaging.consumer.group.name", groupID)
}

func topicAttr(topic string) slog.Attr {
	return slog.String("messaging.destination.name", topic)
}

func partitionAttr(partition int32) slog.Attr {
	return slog.Int64("messaging.destination.partition.id", int64(partition))
}

func offsetAttr(offset int64) slog.Attr {
	return slog.Int64("messaging.kafka.offset", offset)
}
