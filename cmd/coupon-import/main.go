// Command coupon-import bulk-loads coupon definitions from JSON-lines files.
//
// Files ending in .gz are decompressed with pgzip. Existing codes are loaded
// into a bloom filter; codes the filter has certainly never seen are inserted
// with COPY, the rest are upserted one by one.
package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/shopfront/internal/domain/coupon"
	"github.com/xenking/shopfront/internal/repository"
)

const (
	bloomFPR     = 0.001
	copyBatch    = 5000
	maxLineBytes = 1 << 20
)

// store is the part of the coupon repository the import needs.
type store interface {
	EachCode(ctx context.Context, fn func(code string)) error
	CopyNew(ctx context.Context, coupons []coupon.Coupon) (int64, error)
	Upsert(ctx context.Context, c *coupon.Coupon) error
}

func main() {
	var (
		databaseURL string
		expected    uint
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expected, "expected-codes", 1_000_000, "expected number of stored codes, sizes the bloom filter")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	files := flag.Args()

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		if databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		if len(files) == 0 {
			return errors.New("usage: coupon-import [flags] FILE...")
		}

		pool, err := repository.NewPool(ctx, databaseURL, repository.PoolConfig{})
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()
		if err := repository.RunMigrations(ctx, pool); err != nil {
			return err
		}

		return importFiles(ctx, lg, repository.NewCouponRepository(pool), files, expected)
	})
}

func importFiles(ctx context.Context, lg *zap.Logger, s store, files []string, expected uint) error {
	results := make([][]coupon.Coupon, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			coupons, skipped, err := readFile(gctx, lg, path)
			if err != nil {
				return err
			}
			lg.Info("File parsed",
				zap.String("path", path),
				zap.Int("records", len(coupons)),
				zap.Int("skipped", skipped),
			)
			results[i] = coupons
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	coupons := dedupe(results)

	filter := bloom.NewWithEstimates(max(expected, 1), bloomFPR)
	var existing int
	if err := s.EachCode(ctx, func(code string) {
		filter.AddString(code)
		existing++
	}); err != nil {
		return errors.Wrap(err, "load existing codes")
	}

	fresh, maybe := split(filter, coupons)
	lg.Info("Import planned",
		zap.Int("existing", existing),
		zap.Int("new", len(fresh)),
		zap.Int("maybe_existing", len(maybe)),
	)

	var inserted int64
	for start := 0; start < len(fresh); start += copyBatch {
		batch := fresh[start:min(start+copyBatch, len(fresh))]
		n, err := s.CopyNew(ctx, batch)
		if errors.Is(err, coupon.ErrDuplicateCode) {
			// Someone created one of the codes meanwhile.
			lg.Warn("Batch conflicts with stored codes, upserting instead", zap.Int("size", len(batch)))
			maybe = append(maybe, batch...)
			continue
		}
		if err != nil {
			return err
		}
		inserted += n
	}

	for i := range maybe {
		if err := s.Upsert(ctx, &maybe[i]); err != nil {
			return err
		}
	}

	lg.Info("Import finished",
		zap.Int64("inserted", inserted),
		zap.Int("upserted", len(maybe)),
	)
	return nil
}

// readFile parses a JSON-lines file. Malformed records are skipped and
// counted.
func readFile(ctx context.Context, lg *zap.Logger, path string) ([]coupon.Coupon, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var (
		coupons []coupon.Coupon
		skipped int
		lineNo  int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		c, err := parseRecord(line)
		if err != nil {
			skipped++
			lg.Debug("Skip record",
				zap.String("path", path),
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			continue
		}
		coupons = append(coupons, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, errors.Wrapf(err, "scan %s", path)
	}
	return coupons, skipped, nil
}

// dedupe merges per-file results. A later record for the same code replaces
// an earlier one.
func dedupe(results [][]coupon.Coupon) []coupon.Coupon {
	index := make(map[string]int)
	var out []coupon.Coupon
	for _, coupons := range results {
		for _, c := range coupons {
			if i, ok := index[c.Code]; ok {
				out[i] = c
				continue
			}
			index[c.Code] = len(out)
			out = append(out, c)
		}
	}
	return out
}

// split separates coupons the filter has never seen from those that may
// already be stored.
func split(filter *bloom.BloomFilter, coupons []coupon.Coupon) (fresh, maybe []coupon.Coupon) {
	for _, c := range coupons {
		if filter.TestString(c.Code) {
			maybe = append(maybe, c)
		} else {
			fresh = append(fresh, c)
		}
	}
	return fresh, maybe
}
