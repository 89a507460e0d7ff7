package storage

import (
	_ "embed"
)

var (
	//go:embed schema.sql
	initSchemaSQL string

	//go:embed indexes.sql
	initIndexesSQL string
)

const (
	insertSelectionSQL = `
INSERT INTO selections (
                        created_at,
                        source,
                        kind,
                        bandpass,
                        beam,
                        config)
VALUES (?, ?, ?, ?, ?, ?)`

	selectSelectionSQL = `
SELECT
    id,
    created_at,
    source,
    kind,
    bandpass,
    beam,
    config
FROM selections
WHERE
    id = ?`

	selectSelectionsSQL = `
SELECT
    id,
    created_at,
    source,
    kind,
    bandpass,
    beam,
    config
FROM selections
ORDER BY id`

	insertSampleSQL = `
INSERT INTO samples (
                     selection_id,
                     time_index,
                     freq_index,
                     time,
                     frequency,
                     value)
VALUES `

	selectFilterValuesSQL = `
SELECT
    MIN(time),
    MAX(time),
    MIN(frequency),
    MAX(frequency)
FROM samples
WHERE
    selection_id = ?`

	selectSamplesSQL = `
SELECT
    time_index,
    time,
    frequency,
    value
FROM samples
WHERE
    selection_id = ?
    AND time >= ? AND time < ?
    AND frequency >= ? AND frequency < ?
ORDER BY time_index, freq_index`
)
