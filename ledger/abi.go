package ledger

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// AgriChainABI is the interface of the deployed marketplace contract.
const AgriChainABI = `[
  {"type":"event","name":"ProduceListed","anonymous":false,"inputs":[
    {"name":"produce_id","type":"uint256","indexed":true},
    {"name":"farmer","type":"address","indexed":true},
    {"name":"name","type":"string","indexed":false},
    {"name":"quantity","type":"uint256","indexed":false},
    {"name":"price_per_unit","type":"uint256","indexed":false},
    {"name":"total_price","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"ProduceSold","anonymous":false,"inputs":[
    {"name":"produce_id","type":"uint256","indexed":true},
    {"name":"farmer","type":"address","indexed":true},
    {"name":"buyer","type":"address","indexed":true},
    {"name":"name","type":"string","indexed":false},
    {"name":"quantity","type":"uint256","indexed":false},
    {"name":"total_price","type":"uint256","indexed":false},
    {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"function","name":"listProduce","stateMutability":"nonpayable","inputs":[
    {"name":"produce_name","type":"string"},
    {"name":"quantity","type":"uint256"},
    {"name":"price_per_unit","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"buyProduce","stateMutability":"payable","inputs":[
    {"name":"produce_id","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getProduceDetails","stateMutability":"view","inputs":[
    {"name":"produce_id","type":"uint256"}],"outputs":[
    {"name":"","type":"tuple","components":[
      {"name":"id","type":"uint256"},
      {"name":"farmer","type":"address"},
      {"name":"name","type":"string"},
      {"name":"quantity","type":"uint256"},
      {"name":"price_per_unit","type":"uint256"},
      {"name":"total_price","type":"uint256"},
      {"name":"is_sold","type":"bool"},
      {"name":"buyer","type":"address"},
      {"name":"listed_timestamp","type":"uint256"},
      {"name":"sold_timestamp","type":"uint256"}]}]},
  {"type":"function","name":"getAvailableProduces","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getTotalProduces","stateMutability":"view","inputs":[],"outputs":[
    {"name":"","type":"uint256"}]},
  {"type":"function","name":"isProduceSold","stateMutability":"view","inputs":[
    {"name":"produce_id","type":"uint256"}],"outputs":[
    {"name":"","type":"bool"}]}
]`

const (
	methodListProduce  = "listProduce"
	methodBuyProduce   = "buyProduce"
	methodDetails      = "getProduceDetails"
	methodAvailable    = "getAvailableProduces"
	methodTotal        = "getTotalProduces"
	eventProduceListed = "ProduceListed"
)

// produceDetails mirrors the getProduceDetails tuple. Field names follow the
// ABI's camel-cased component names so abi.ConvertType can map them.
type produceDetails struct {
	Id              *big.Int
	Farmer          common.Address
	Name            string
	Quantity        *big.Int
	PricePerUnit    *big.Int
	TotalPrice      *big.Int
	IsSold          bool
	Buyer           common.Address
	ListedTimestamp *big.Int
	SoldTimestamp   *big.Int
}

// ParseABI parses AgriChainABI.
func ParseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(AgriChainABI))
}
