package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"agrichain/native/marketplace"
)

func runListingCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, listingUsage())
		return 1
	}
	switch args[0] {
	case "create":
		return runListingCreate(args[1:], stdout, stderr)
	case "buy":
		return runListingBuy(args[1:], stdout, stderr)
	case "get":
		return runListingGet(args[1:], stdout, stderr)
	case "list":
		return runListingList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown listing subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, listingUsage())
		return 1
	}
}

func newListingFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, listingUsage())
	}
	return fs
}

func runListingCreate(args []string, stdout, stderr io.Writer) int {
	fs := newListingFlagSet("listing create", stderr)
	var (
		name     string
		quantity uint64
		price    string
		farmer   string
	)
	fs.StringVar(&name, "name", "", "produce name")
	fs.Uint64Var(&quantity, "quantity", 0, "quantity in units")
	fs.StringVar(&price, "price", "", "price per unit in wei")
	fs.StringVar(&farmer, "farmer", "", "farmer 0x address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if strings.TrimSpace(name) == "" {
		return printError(stderr, "--name is required")
	}
	if quantity == 0 {
		return printError(stderr, "--quantity must be greater than zero")
	}
	if _, err := parseWei(price); err != nil {
		return printError(stderr, "--price "+err.Error())
	}
	canonical, err := marketplace.NormalizeAddress(farmer)
	if err != nil {
		return printError(stderr, "--farmer must be a 0x-prefixed 20-byte address")
	}
	body := map[string]interface{}{
		"name":         name,
		"quantity":     quantity,
		"pricePerUnit": strings.TrimSpace(price),
		"farmer":       canonical,
	}
	result, apiErr, err := apiCall(http.MethodPost, "/listings", body)
	return handleAPIResult(stdout, stderr, result, apiErr, err)
}

func runListingBuy(args []string, stdout, stderr io.Writer) int {
	fs := newListingFlagSet("listing buy", stderr)
	var (
		id      uint64
		buyer   string
		payment string
	)
	fs.Uint64Var(&id, "id", 0, "listing id")
	fs.StringVar(&buyer, "buyer", "", "buyer 0x address with a registered signer")
	fs.StringVar(&payment, "payment", "", "payment in wei; must equal the total price")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if id == 0 {
		return printError(stderr, "--id must be a positive integer")
	}
	canonical, err := marketplace.NormalizeAddress(buyer)
	if err != nil {
		return printError(stderr, "--buyer must be a 0x-prefixed 20-byte address")
	}
	if _, err := parseWei(payment); err != nil {
		return printError(stderr, "--payment "+err.Error())
	}
	body := map[string]interface{}{
		"buyer":   canonical,
		"payment": strings.TrimSpace(payment),
	}
	result, apiErr, err := apiCall(http.MethodPost, "/listings/"+strconv.FormatUint(id, 10)+"/purchase", body)
	return handleAPIResult(stdout, stderr, result, apiErr, err)
}

func runListingGet(args []string, stdout, stderr io.Writer) int {
	fs := newListingFlagSet("listing get", stderr)
	var id uint64
	fs.Uint64Var(&id, "id", 0, "listing id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if id == 0 {
		return printError(stderr, "--id must be a positive integer")
	}
	result, apiErr, err := apiCall(http.MethodGet, "/listings/"+strconv.FormatUint(id, 10), nil)
	return handleAPIResult(stdout, stderr, result, apiErr, err)
}

func runListingList(args []string, stdout, stderr io.Writer) int {
	fs := newListingFlagSet("listing list", stderr)
	var (
		farmer    string
		buyer     string
		available string
		limit     int
		offset    int
	)
	fs.StringVar(&farmer, "farmer", "", "only listings by this farmer")
	fs.StringVar(&buyer, "buyer", "", "only listings bought by this buyer")
	fs.StringVar(&available, "available", "", "true for unsold, false for sold")
	fs.IntVar(&limit, "limit", 0, "page size")
	fs.IntVar(&offset, "offset", 0, "page offset")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	query := url.Values{}
	if farmer != "" {
		canonical, err := marketplace.NormalizeAddress(farmer)
		if err != nil {
			return printError(stderr, "--farmer must be a 0x-prefixed 20-byte address")
		}
		query.Set("farmer", canonical)
	}
	if buyer != "" {
		canonical, err := marketplace.NormalizeAddress(buyer)
		if err != nil {
			return printError(stderr, "--buyer must be a 0x-prefixed 20-byte address")
		}
		query.Set("buyer", canonical)
	}
	if available != "" {
		parsed, err := strconv.ParseBool(available)
		if err != nil {
			return printError(stderr, "--available must be true or false")
		}
		query.Set("available", strconv.FormatBool(parsed))
	}
	if limit < 0 || offset < 0 {
		return printError(stderr, "--limit and --offset must not be negative")
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	path := "/listings"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	result, apiErr, err := apiCall(http.MethodGet, path, nil)
	return handleAPIResult(stdout, stderr, result, apiErr, err)
}

func parseWei(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("is required")
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("must be a base-10 integer")
	}
	if v.IsZero() {
		return nil, fmt.Errorf("must be greater than zero")
	}
	return v, nil
}

func listingUsage() string {
	return strings.TrimSpace(`Usage:
  agrichain-cli listing <command> [flags]

Commands:
  create  List produce (--name --quantity --price --farmer)
  buy     Purchase a listing (--id --buyer --payment)
  get     Fetch a mirrored listing (--id)
  list    Query mirrored listings (--farmer --buyer --available --limit --offset)`)
}
