package hyperliquid

import "encoding/json"

// Info endpoint payloads. Every read goes through POST /info with a
// type discriminator; optional fields stay omitted when zero.

type infoRequest struct {
	Type      string `json:"type"`
	User      string `json:"user,omitempty"`
	Coin      string `json:"coin,omitempty"`
	Oid       int64  `json:"oid,omitempty"`
	StartTime int64  `json:"startTime,omitempty"`
	EndTime   int64  `json:"endTime,omitempty"`
}

type metaUniverse struct {
	Universe []assetMeta `json:"universe"`
}

type assetMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	IsDelisted  bool   `json:"isDelisted"`
}

// assetCtx is the live per-asset context returned alongside the
// universe by metaAndAssetCtxs. Funding is the current hourly rate.
type assetCtx struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	MarkPx       string `json:"markPx"`
	MidPx        string `json:"midPx"`
	OraclePx     string `json:"oraclePx"`
	DayNtlVlm    string `json:"dayNtlVlm"`
	Premium      string `json:"premium"`
}

type clearinghouseState struct {
	MarginSummary  marginSummary   `json:"marginSummary"`
	Withdrawable   string          `json:"withdrawable"`
	AssetPositions []assetPosition `json:"assetPositions"`
	Time           int64           `json:"time"`
}

type marginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalRawUsd     string `json:"totalRawUsd"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}

type assetPosition struct {
	Type     string       `json:"type"`
	Position perpPosition `json:"position"`
}

// perpPosition reports szi signed: positive long, negative short.
// LiquidationPx comes back null for fully collateralized positions.
type perpPosition struct {
	Coin          string       `json:"coin"`
	Szi           string       `json:"szi"`
	EntryPx       string       `json:"entryPx"`
	PositionValue string       `json:"positionValue"`
	UnrealizedPnl string       `json:"unrealizedPnl"`
	LiquidationPx string       `json:"liquidationPx"`
	MarginUsed    string       `json:"marginUsed"`
	Leverage      leverageInfo `json:"leverage"`
}

type leverageInfo struct {
	Type  string `json:"type"`
	Value int    `json:"value"`
}

// restingOrder is the order shape shared by frontendOpenOrders,
// orderStatus, and the orderUpdates stream. Sz is the remaining size;
// OrigSz the original, so filled = origSz - sz.
type restingOrder struct {
	Coin       string `json:"coin"`
	Side       string `json:"side"`
	LimitPx    string `json:"limitPx"`
	Sz         string `json:"sz"`
	Oid        int64  `json:"oid"`
	Timestamp  int64  `json:"timestamp"`
	OrigSz     string `json:"origSz"`
	Cloid      string `json:"cloid"`
	ReduceOnly bool   `json:"reduceOnly"`
	OrderType  string `json:"orderType"`
	Tif        string `json:"tif"`
}

type orderStatusResponse struct {
	Status string           `json:"status"`
	Order  *orderStatusData `json:"order"`
}

type orderStatusData struct {
	Order           restingOrder `json:"order"`
	Status          string       `json:"status"`
	StatusTimestamp int64        `json:"statusTimestamp"`
}

type fundingEvent struct {
	Delta fundingDelta `json:"delta"`
	Hash  string       `json:"hash"`
	Time  int64        `json:"time"`
}

type fundingDelta struct {
	Type        string `json:"type"`
	Coin        string `json:"coin"`
	Usdc        string `json:"usdc"`
	Szi         string `json:"szi"`
	FundingRate string `json:"fundingRate"`
}

// l2Book carries two level arrays: index 0 bids, index 1 asks, both
// sorted best first.
type l2Book struct {
	Coin   string      `json:"coin"`
	Time   int64       `json:"time"`
	Levels [][]l2Level `json:"levels"`
}

type l2Level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// Exchange endpoint payloads. The signature commits to the msgpack
// encoding of the action, so struct field order here is part of the
// wire protocol and must not be reordered.

type orderAction struct {
	Type     string      `json:"type" msgpack:"type"`
	Orders   []wireOrder `json:"orders" msgpack:"orders"`
	Grouping string      `json:"grouping" msgpack:"grouping"`
}

type wireOrder struct {
	Asset      int           `json:"a" msgpack:"a"`
	IsBuy      bool          `json:"b" msgpack:"b"`
	Price      string        `json:"p" msgpack:"p"`
	Size       string        `json:"s" msgpack:"s"`
	ReduceOnly bool          `json:"r" msgpack:"r"`
	Type       wireOrderType `json:"t" msgpack:"t"`
	Cloid      string        `json:"c,omitempty" msgpack:"c,omitempty"`
}

type wireOrderType struct {
	Limit *wireLimit `json:"limit,omitempty" msgpack:"limit,omitempty"`
}

type wireLimit struct {
	Tif string `json:"tif" msgpack:"tif"`
}

type cancelAction struct {
	Type    string       `json:"type" msgpack:"type"`
	Cancels []wireCancel `json:"cancels" msgpack:"cancels"`
}

type wireCancel struct {
	Asset int   `json:"a" msgpack:"a"`
	Oid   int64 `json:"o" msgpack:"o"`
}

type exchangeRequest struct {
	Action       interface{}  `json:"action"`
	Nonce        int64        `json:"nonce"`
	Signature    rsvSignature `json:"signature"`
	VaultAddress string       `json:"vaultAddress,omitempty"`
}

type rsvSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// exchangeResponse's Response field is an object on success and a bare
// error string on failure, hence the RawMessage.
type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type exchangeData struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

// placementStatus is one element of an order action's statuses array.
// Exactly one of the three fields is set.
type placementStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled"`
	Error string `json:"error"`
}

// Websocket payloads.

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type wsOrderEvent struct {
	Order           restingOrder `json:"order"`
	Status          string       `json:"status"`
	StatusTimestamp int64        `json:"statusTimestamp"`
}

type wsSubscribe struct {
	Method       string         `json:"method"`
	Subscription wsSubscription `json:"subscription"`
}

type wsSubscription struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}
