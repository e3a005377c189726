package blockwise

import (
	"fmt"
	"strings"

	"github.com/ironzhang/coaptcp/internal/stack/base"
)

// transferKey 块传输的唯一标识 (对端, Token, Uri-Path, Uri-Query).
// 由传输的第一条消息计算得出, 整个传输期间复用.
type transferKey struct {
	peer  string
	token string
	path  string
	query string
}

func messageKey(x *base.Exchange, m base.Message) transferKey {
	return transferKey{
		peer:  x.Peer,
		token: m.Token,
		path:  joinOptions(m, base.URIPath, "/"),
		query: joinOptions(m, base.URIQuery, "&"),
	}
}

// requestKey 以交换的原始请求计算标识, 响应方向也落在同一传输上.
func requestKey(x *base.Exchange) transferKey {
	if x.Request == nil {
		return transferKey{peer: x.Peer}
	}
	return messageKey(x, *x.Request)
}

func (k transferKey) String() string {
	return fmt.Sprintf("%s|%x|%s?%s", k.peer, k.token, k.path, k.query)
}

func joinOptions(m base.Message, id uint16, sep string) string {
	values := m.GetOptions(id)
	if len(values) <= 0 {
		return ""
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}
