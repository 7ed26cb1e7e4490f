package bus

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/kernelgate/kbus/internal/shared/errs"
	"github.com/kernelgate/kbus/internal/shared/types"
)

// encodeMessage serializes the message with the receiver's metadata
// items appended, producing the bytes copied into a pool slice.
func encodeMessage(msg *types.Message, metaItems []types.Item) ([]byte, error) {
	m := *msg
	if len(metaItems) > 0 {
		items := make([]types.Item, 0, len(msg.Items)+len(metaItems))
		items = append(items, msg.Items...)
		items = append(items, metaItems...)
		m.Items = items
	}
	data, err := sonic.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// decodeMessage parses the bytes of a published slice back into a
// message.
func decodeMessage(data []byte) (*types.Message, error) {
	var m types.Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %v: %w", err, errs.ErrInvalidMessage)
	}
	return &m, nil
}
