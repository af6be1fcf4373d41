package export

import (
	"bytes"
	"encoding/csv"
	"strconv"
)

func writeCSV(t Table) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(header(t.Aggregation)); err != nil {
		return nil, err
	}
	if t.Aggregation == Full {
		for _, s := range t.Samples {
			if err := w.Write([]string{s.Timestamp.UTC().Format(hourLayout), formatRaw(s.Temperature)}); err != nil {
				return nil, err
			}
		}
	} else {
		for _, b := range t.Buckets {
			record := []string{
				bucketLabel(t.Aggregation, b.Bucket),
				formatRounded(b.Avg),
				formatRounded(b.Min),
				formatRounded(b.Max),
				strconv.Itoa(b.Readings),
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
