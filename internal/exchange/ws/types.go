package ws

import (
	"encoding/json"
	"strconv"
)

// numberOrString unmarshals either a JSON string or a JSON number into
// a float64, matching the exchange's mixed encoding of price fields.
// Keeping this as a dedicated type means no dynamic interface{} value
// ever leaves this file.
type numberOrString float64

func (n *numberOrString) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*n = numberOrString(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = numberOrString(f)
	return nil
}

// klinePayload is a single "k" object inside a combined-stream frame.
type klinePayload struct {
	OpenMs      int64          `json:"t"`
	CloseMs     int64          `json:"T"`
	Symbol      string         `json:"s"`
	Open        numberOrString `json:"o"`
	High        numberOrString `json:"h"`
	Low         numberOrString `json:"l"`
	Close       numberOrString `json:"c"`
	BaseVolume  numberOrString `json:"v"`
	QuoteVolume numberOrString `json:"q"`
	Trades      int64          `json:"n"`
	IsClosed    bool           `json:"x"`
}

// streamFrame is the combined-stream envelope the exchange wraps each
// kline update in.
type streamFrame struct {
	Data struct {
		Kline klinePayload `json:"k"`
	} `json:"data"`
}
