// Package ecowitt reads the current temperature and humidity of every sensor
// channel attached to an Ecowitt gateway through the Ecowitt cloud API.
package ecowitt

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/chrissnell/utilitywatch/internal/log"
	"github.com/chrissnell/utilitywatch/internal/sources"
	"github.com/chrissnell/utilitywatch/internal/types"
)

// ProviderName identifies this client in logs and configuration.
const ProviderName = "ecowitt"

// DefaultBaseURL is the Ecowitt cloud API root.
const DefaultBaseURL = "https://api.ecowitt.net/api/v3"

// MaxChannels is the number of WH31 style multi-channel sensors a gateway
// reports.
const MaxChannels = 8

// Channel ids for the gateway's own sensors.
const (
	ChannelIndoor  = "indoor"
	ChannelOutdoor = "outdoor"
)

// Config holds the Ecowitt API credentials and the display label of each
// channel. Channels without a label are named "Channel N".
type Config struct {
	BaseURL        string
	ApplicationKey string
	APIKey         string
	MAC            string
	Timeout        time.Duration
	Labels         map[string]string
}

// Client polls the real-time endpoint.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger *zap.SugaredLogger
	now    func() time.Time
}

type measurement struct {
	Time  string `json:"time"`
	Unit  string `json:"unit"`
	Value string `json:"value"`
}

type channelData struct {
	Temperature *measurement `json:"temperature"`
	Humidity    *measurement `json:"humidity"`
	Battery     *measurement `json:"battery"`
}

type realTimeResponse struct {
	Code int                     `json:"code"`
	Msg  string                  `json:"msg"`
	Time string                  `json:"time"`
	Data map[string]*channelData `json:"data"`
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{
		cfg:    cfg,
		http:   sources.NewRESTClient(cfg.BaseURL, cfg.Timeout),
		logger: log.Named(ProviderName),
		now:    time.Now,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string {
	return ProviderName
}

// FetchSnapshot returns one reading per channel the gateway currently
// reports. Channels whose temperature cannot be read are skipped.
func (c *Client) FetchSnapshot(ctx context.Context) ([]types.SensorReading, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"application_key": c.cfg.ApplicationKey,
			"api_key":         c.cfg.APIKey,
			"mac":             c.cfg.MAC,
			"call_back":       "all",
		}).
		Get("/device/real_time")
	if err != nil {
		return nil, &sources.TransportError{Provider: ProviderName, Op: "real_time", Err: err}
	}
	if sources.IsAuthRejection(resp.StatusCode()) {
		return nil, &sources.AuthError{Provider: ProviderName, StatusCode: resp.StatusCode(), Err: sources.ErrAuthRejected}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, sources.NewStatusError(ProviderName, "real_time", resp.StatusCode(), resp.Body())
	}

	return c.parse(resp.Body())
}

func (c *Client) parse(body []byte) ([]types.SensorReading, error) {
	var rt realTimeResponse
	if err := json.Unmarshal(body, &rt); err != nil {
		return nil, &sources.ParseError{Provider: ProviderName, Op: "real_time", Excerpt: sources.Excerpt(body), Err: err}
	}
	if rt.Code != 0 || rt.Data == nil {
		return nil, &sources.ParseError{
			Provider: ProviderName,
			Op:       "real_time",
			Excerpt:  sources.Excerpt(body),
			Err:      fmt.Errorf("api returned code %d: %s", rt.Code, rt.Msg),
		}
	}

	ts := c.now().UTC().Truncate(time.Second)
	if secs, err := strconv.ParseInt(rt.Time, 10, 64); err == nil && secs > 0 {
		ts = time.Unix(secs, 0).UTC()
	}

	keys := []struct{ key, channel string }{
		{ChannelIndoor, ChannelIndoor},
		{ChannelOutdoor, ChannelOutdoor},
	}
	for i := 1; i <= MaxChannels; i++ {
		keys = append(keys, struct{ key, channel string }{
			fmt.Sprintf("temp_and_humidity_ch%d", i),
			fmt.Sprintf("ch%d", i),
		})
	}

	var readings []types.SensorReading
	for _, k := range keys {
		data, ok := rt.Data[k.key]
		if !ok || data == nil {
			continue
		}

		reading, err := c.channelReading(k.channel, data, ts)
		if err != nil {
			c.logger.Warnw("skipping channel", "channel", k.channel, "error", err)
			continue
		}
		readings = append(readings, reading)
	}
	return readings, nil
}

func (c *Client) channelReading(channel string, data *channelData, ts time.Time) (types.SensorReading, error) {
	if data.Temperature == nil {
		return types.SensorReading{}, &types.DataQualityAnomaly{Kind: types.AnomalyUnparsable, Subject: channel, Detail: "no temperature"}
	}
	temp, err := strconv.ParseFloat(strings.TrimSpace(data.Temperature.Value), 64)
	if err != nil || math.IsNaN(temp) || math.IsInf(temp, 0) {
		return types.SensorReading{}, &types.DataQualityAnomaly{Kind: types.AnomalyUnparsable, Subject: channel, Detail: fmt.Sprintf("temperature %q", data.Temperature.Value)}
	}
	if !isCelsius(data.Temperature.Unit) {
		temp = FahrenheitToCelsius(temp)
	}

	r := types.SensorReading{
		Channel:      channel,
		Label:        c.Label(channel),
		Timestamp:    ts,
		TemperatureC: math.Round(temp*10) / 10,
	}
	if data.Humidity != nil {
		if h, err := strconv.ParseFloat(strings.TrimSpace(data.Humidity.Value), 64); err == nil {
			r.Humidity = &h
		}
	}
	if data.Battery != nil {
		if b, err := strconv.Atoi(strings.TrimSpace(data.Battery.Value)); err == nil {
			r.Battery = &b
		}
	}
	return r, nil
}

// Label returns the configured display label of channel.
func (c *Client) Label(channel string) string {
	if l, ok := c.cfg.Labels[channel]; ok && l != "" {
		return l
	}
	switch channel {
	case ChannelIndoor:
		return "Indoor"
	case ChannelOutdoor:
		return "Outdoor"
	}
	return "Channel " + strings.TrimPrefix(channel, "ch")
}

// isCelsius reports whether unit names Celsius ("ºC", "°C" or "℃"). Anything
// else, including a missing unit, is the API default of Fahrenheit.
func isCelsius(unit string) bool {
	return strings.Contains(strings.ToUpper(unit), "C") || strings.Contains(unit, "℃")
}

// FahrenheitToCelsius converts a temperature.
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}
