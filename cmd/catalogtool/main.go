// Main package in catalogtool implements a command line tool for
// dumping a DLEP protocol configuration as CSV, one file per catalog
// table (signals, data items, status codes).
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/mit-ll/dlep/protocfg"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	configFile = flag.String("config", "config/dlep-draft-29.xml", "Protocol configuration XML to load")
	outDir     = flag.String("out", ".", "Directory for the CSV output files")
)

type signalRow struct {
	Name        string `csv:"name"`
	ID          uint32 `csv:"id"`
	Kind        string `csv:"kind"`
	Senders     string `csv:"senders"`
	Response    string `csv:"response"`
	DataItems   string `csv:"data_items"`
	Module      string `csv:"module"`
}

type dataItemRow struct {
	Name      string `csv:"name"`
	ID        string `csv:"id"`
	ValueType string `csv:"type"`
	Metric    bool   `csv:"metric"`
	Units     string `csv:"units"`
	Module    string `csv:"module"`
}

type statusCodeRow struct {
	Name        string `csv:"name"`
	ID          uint32 `csv:"id"`
	FailureMode string `csv:"failure_mode"`
	Module      string `csv:"module"`
}

func signalRows(cfg *protocfg.Config) []signalRow {
	var rows []signalRow
	for _, si := range cfg.SignalInfos() {
		kind := "signal"
		if si.Message {
			kind = "message"
		}
		var senders []string
		if si.ModemSends {
			senders = append(senders, "modem")
		}
		if si.RouterSends {
			senders = append(senders, "router")
		}
		var items []string
		for _, ref := range si.DataItems {
			items = append(items, ref.Name+":"+ref.Occurs)
		}
		rows = append(rows, signalRow{
			Name:      si.Name,
			ID:        uint32(si.ID),
			Kind:      kind,
			Senders:   strings.Join(senders, "+"),
			Response:  si.ResponseName,
			DataItems: strings.Join(items, " "),
			Module:    si.Module,
		})
	}
	return rows
}

func dataItemRows(cfg *protocfg.Config) []dataItemRow {
	var rows []dataItemRow
	for _, di := range cfg.DataItemInfos() {
		id := ""
		if uint32(di.ID) != protocfg.IDUndefined {
			id = strconv.FormatUint(uint64(di.ID), 10)
		}
		rows = append(rows, dataItemRow{
			Name:      di.Name,
			ID:        id,
			ValueType: di.ValueType.String(),
			Metric:    di.Metric,
			Units:     di.Units,
			Module:    di.Module,
		})
	}
	return rows
}

func statusCodeRows(cfg *protocfg.Config) []statusCodeRow {
	var rows []statusCodeRow
	for _, sc := range cfg.StatusCodeInfos() {
		rows = append(rows, statusCodeRow{
			Name:        sc.Name,
			ID:          uint32(sc.ID),
			FailureMode: sc.FailureMode,
			Module:      sc.Module,
		})
	}
	return rows
}

func writeCSV(path string, rows any) {
	f, err := os.Create(path)
	rtx.Must(err, "Could not create %s", path)
	defer f.Close()
	rtx.Must(gocsv.Marshal(rows, f), "Could not write %s", path)
	log.Println("wrote", path)
}

func main() {
	flag.Parse()

	cfg, err := protocfg.Load(*configFile)
	rtx.Must(err, "Could not load %s", *configFile)

	writeCSV(filepath.Join(*outDir, "signals.csv"), signalRows(cfg))
	writeCSV(filepath.Join(*outDir, "data_items.csv"), dataItemRows(cfg))
	writeCSV(filepath.Join(*outDir, "status_codes.csv"), statusCodeRows(cfg))
}
