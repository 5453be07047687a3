package broker

import "encoding/json"

// secdefResult is one entry of the symbol search response
type secdefResult struct {
	Conid       json.Number `json:"conid"`
	CompanyName string      `json:"companyName"`
	Description string      `json:"description"` // primary exchange
	Sections    []struct {
		SecType string `json:"secType"`
	} `json:"sections"`
}

// snapshotRow is one row of the market data snapshot response, keyed by
// numeric field ids: 31 last, 84 bid, 86 ask.
type snapshotRow struct {
	Conid     int64  `json:"conid"`
	LastPrice string `json:"31"`
	BidPrice  string `json:"84"`
	AskPrice  string `json:"86"`
}

// historyBar is one OHLC bar of the market data history response
type historyBar struct {
	Close float64 `json:"c"`
	Time  int64   `json:"t"`
}

type historyResponse struct {
	Data []historyBar `json:"data"`
}

// orderReply is one element of the order submission response. The broker
// returns either a placed order (OrderID set) or a confirmation prompt
// (ID set with the messages to acknowledge).
type orderReply struct {
	OrderID     string   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ID          string   `json:"id"`
	Messages    []string `json:"message"`
}

type accountsResponse struct {
	Accounts []string `json:"accounts"`
}

type positionRow struct {
	Conid         int64   `json:"conid"`
	ContractDesc  string  `json:"contractDesc"`
	Position      float64 `json:"position"`
	MktPrice      float64 `json:"mktPrice"`
	MktValue      float64 `json:"mktValue"`
	AvgCost       float64 `json:"avgCost"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
}

type tickleResponse struct {
	Session    string `json:"session"`
	SSOExpires int64  `json:"ssoExpires"`
	IServer    struct {
		AuthStatus struct {
			Authenticated bool `json:"authenticated"`
			Connected     bool `json:"connected"`
		} `json:"authStatus"`
	} `json:"iserver"`
}
