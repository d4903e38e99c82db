package parser

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"faceingest/pkg/config"
	errs "faceingest/pkg/errors"
	"faceingest/pkg/logger"

	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.Config{
	UseNumber:              true,
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// Fingerprint returns the first 16 hex chars of the md5 of the trimmed line
func Fingerprint(line string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(line)))
	return hex.EncodeToString(sum[:])[:16]
}

// Stats is a snapshot of parser counters
type Stats struct {
	Parsed       int64            `json:"parsed"`
	Errors       map[Reason]int64 `json:"errors"`
	CacheSize    int              `json:"cache_size"`
	CacheHits    int64            `json:"cache_hits"`
	CacheMisses  int64            `json:"cache_misses"`
	CacheHitRate float64          `json:"cache_hit_rate"`
	AvgParseTime time.Duration    `json:"avg_parse_time"`
}

// TotalErrors sums rejections across all reasons
func (s Stats) TotalErrors() int64 {
	var n int64
	for _, v := range s.Errors {
		n += v
	}
	return n
}

// Parser turns raw NDJSON lines into Records. A Parser is owned by one run;
// its caches are never shared between runs.
type Parser struct {
	cfg       config.ParserConfig
	log       logger.Logger
	cache     *lineCache
	transform *transformer

	mu        sync.Mutex
	parsed    int64
	errors    map[Reason]int64
	parseTime time.Duration
}

// New creates a Parser
func New(cfg config.ParserConfig, log logger.Logger) *Parser {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if cfg.TransformCacheSize <= 0 {
		cfg.TransformCacheSize = 10000
	}
	p := &Parser{
		cfg:       cfg,
		log:       log.WithField("component", "parser"),
		transform: newTransformer(cfg.TransformCacheSize),
		errors:    make(map[Reason]int64),
	}
	if cfg.EnableCache && cfg.CacheSize > 0 {
		p.cache = newLineCache(cfg.CacheSize, cfg.CacheTTL)
	}
	return p
}

// Parse parses a single line. The returned error is non-nil only in strict
// mode, when extraction failed unexpectedly.
func (p *Parser) Parse(line string) (Outcome, error) {
	return p.parse(line, Fingerprint(line))
}

// ParseBatch parses every line. A bad line never stops the batch; in strict
// mode the unexpected failures are returned joined after the batch completes.
func (p *Parser) ParseBatch(lines []string) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(lines))
	var strictErrs []error

	for i, line := range lines {
		out, err := p.Parse(line)
		if err != nil {
			strictErrs = append(strictErrs, err)
		}
		outcomes = append(outcomes, out)

		if p.cache != nil && p.cfg.SweepEvery > 0 && (i+1)%p.cfg.SweepEvery == 0 {
			if n := p.cache.sweep(); n > 0 {
				p.log.DebugWithFields("Swept expired cache entries", map[string]interface{}{"removed": n})
			}
		}
	}
	return outcomes, errors.Join(strictErrs...)
}

func (p *Parser) parse(line, fp string) (out Outcome, err error) {
	start := time.Now()
	out.Fingerprint = fp
	trimmed := strings.TrimSpace(line)

	if !p.prefilter(trimmed) {
		p.reject(&out, ReasonInvalidFormat)
		return out, nil
	}

	if p.cache != nil {
		if rec, ok := p.cache.get(fp); ok {
			out.Record = &rec
			out.Cached = true
			p.accept(time.Since(start))
			return out, nil
		}
	}

	var data map[string]interface{}
	if decodeErr := jsonAPI.UnmarshalFromString(trimmed, &data); decodeErr != nil || data == nil {
		p.log.DebugWithFields("JSON decode error", map[string]interface{}{
			"error": fmt.Sprint(decodeErr),
			"line":  truncate(trimmed, 100),
		})
		p.reject(&out, ReasonJSONDecode)
		return out, nil
	}

	rec, extractErr := p.safeExtract(data)
	if extractErr != nil {
		p.log.ErrorWithFields("Unexpected parsing error", map[string]interface{}{
			"error": extractErr.Error(),
		})
		p.reject(&out, ReasonUnexpected)
		if p.cfg.StrictMode {
			return out, errs.Wrap(errs.ErrorTypeMalformedInput, "extract fields", extractErr)
		}
		return out, nil
	}

	if p.cfg.Validation && !valid(rec) {
		p.reject(&out, ReasonValidationFailed)
		return out, nil
	}

	if p.cache != nil {
		p.cache.set(fp, rec)
	}
	out.Record = &rec
	p.accept(time.Since(start))
	return out, nil
}

func (p *Parser) prefilter(trimmed string) bool {
	minLen := p.cfg.MinLineLength
	if minLen <= 0 {
		minLen = 2
	}
	if len(trimmed) < minLen {
		return false
	}
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return false
	}
	return strings.Contains(trimmed, `"timestamp"`) || strings.Contains(trimmed, `"device_id"`)
}

func (p *Parser) safeExtract(data map[string]interface{}) (rec Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during extraction: %v", r)
		}
	}()
	return p.extract(data), nil
}

func (p *Parser) extract(data map[string]interface{}) Record {
	var tsRaw string
	switch ts := data["timestamp"].(type) {
	case map[string]interface{}:
		tsRaw, _ = stringify(ts["$date"])
	case string:
		tsRaw = ts
	}

	ip, ok := data["IP"]
	if !ok {
		ip = data["device_ip"]
	}

	var mongoID string
	switch id := data["_id"].(type) {
	case map[string]interface{}:
		mongoID = text(id["$oid"], "")
	default:
		mongoID = text(id, "")
	}

	evaSex, _ := stringify(data["eva_sex"])
	sex, _ := stringify(data["sex"])
	score, _ := stringify(data["comp_score"])
	age, _ := stringify(data["eva_age"])

	return Record{
		Timestamp: p.transform.Timestamp(tsRaw),
		DeviceID:  text(data["device_id"], NotAvailable),
		UserName:  text(data["user_name"], NotAvailable),
		Gender:    p.transform.Gender(evaSex, sex),
		Age:       p.transform.Age(age),
		Score:     p.transform.Score(score),
		FaceID:    text(data["face_id"], NotAvailable),
		CompanyID: text(data["company_id"], NotAvailable),
		ImageURL:  text(data["image"], ""),
		EventType: text(data["event_type"], ""),
		UserList:  text(data["user_list"], ""),
		IPAddress: text(ip, NotAvailable),

		UserID:      text(data["user_id"], ""),
		FrpicName:   text(data["frpic_name"], ""),
		RequestType: text(data["request_type"], ""),
		Group:       text(data["group"], ""),
		MongoID:     mongoID,
		CompanyType: text(data["company_type"], ""),
	}
}

func valid(rec Record) bool {
	for _, v := range []string{rec.Timestamp, rec.DeviceID, rec.UserName} {
		if v == "" || v == NotAvailable {
			return false
		}
	}
	if rec.ImageURL != "" &&
		!strings.HasPrefix(rec.ImageURL, "http://") &&
		!strings.HasPrefix(rec.ImageURL, "https://") {
		return false
	}
	return true
}

func (p *Parser) accept(elapsed time.Duration) {
	p.mu.Lock()
	p.parsed++
	p.parseTime += elapsed
	p.mu.Unlock()
}

func (p *Parser) reject(out *Outcome, reason Reason) {
	out.Reason = reason
	p.mu.Lock()
	p.errors[reason]++
	p.mu.Unlock()
}

// Stats returns a snapshot of the parser counters
func (p *Parser) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Parsed: p.parsed,
		Errors: make(map[Reason]int64, len(p.errors)),
	}
	for k, v := range p.errors {
		s.Errors[k] = v
	}
	if p.parsed > 0 {
		s.AvgParseTime = p.parseTime / time.Duration(p.parsed)
	}
	p.mu.Unlock()

	if p.cache != nil {
		s.CacheSize = p.cache.len()
		s.CacheHits, s.CacheMisses = p.cache.counters()
		if total := s.CacheHits + s.CacheMisses; total > 0 {
			s.CacheHitRate = float64(s.CacheHits) / float64(total) * 100
		}
	}
	return s
}

// Reset clears the counters but keeps cached records
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.parsed = 0
	p.parseTime = 0
	p.errors = make(map[Reason]int64)
}

// ClearCache drops the line cache and every transform memo table
func (p *Parser) ClearCache() {
	if p.cache != nil {
		p.cache.clear()
	}
	p.transform.reset()
	p.log.Debug("Parser cache cleared")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
