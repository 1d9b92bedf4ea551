package custody

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const custodyABIJSON = `[
  {"type":"function","name":"create","stateMutability":"nonpayable",
   "inputs":[
     {"name":"ch","type":"tuple","components":[
       {"name":"participants","type":"address[]"},
       {"name":"adjudicator","type":"address"},
       {"name":"challenge","type":"uint64"},
       {"name":"nonce","type":"uint64"}]},
     {"name":"initial","type":"tuple","components":[
       {"name":"intent","type":"uint8"},
       {"name":"version","type":"uint256"},
       {"name":"data","type":"bytes"},
       {"name":"allocations","type":"tuple[]","components":[
         {"name":"destination","type":"address"},
         {"name":"token","type":"address"},
         {"name":"amount","type":"uint256"}]},
       {"name":"sigs","type":"bytes[]"}]}],
   "outputs":[{"name":"channelId","type":"bytes32"}]},
  {"type":"function","name":"close","stateMutability":"nonpayable",
   "inputs":[
     {"name":"channelId","type":"bytes32"},
     {"name":"candidate","type":"tuple","components":[
       {"name":"intent","type":"uint8"},
       {"name":"version","type":"uint256"},
       {"name":"data","type":"bytes"},
       {"name":"allocations","type":"tuple[]","components":[
         {"name":"destination","type":"address"},
         {"name":"token","type":"address"},
         {"name":"amount","type":"uint256"}]},
       {"name":"sigs","type":"bytes[]"}]},
     {"name":"proofs","type":"tuple[]","components":[
       {"name":"intent","type":"uint8"},
       {"name":"version","type":"uint256"},
       {"name":"data","type":"bytes"},
       {"name":"allocations","type":"tuple[]","components":[
         {"name":"destination","type":"address"},
         {"name":"token","type":"address"},
         {"name":"amount","type":"uint256"}]},
       {"name":"sigs","type":"bytes[]"}]}],
   "outputs":[]},
  {"type":"function","name":"resize","stateMutability":"nonpayable",
   "inputs":[
     {"name":"channelId","type":"bytes32"},
     {"name":"candidate","type":"tuple","components":[
       {"name":"intent","type":"uint8"},
       {"name":"version","type":"uint256"},
       {"name":"data","type":"bytes"},
       {"name":"allocations","type":"tuple[]","components":[
         {"name":"destination","type":"address"},
         {"name":"token","type":"address"},
         {"name":"amount","type":"uint256"}]},
       {"name":"sigs","type":"bytes[]"}]},
     {"name":"proofs","type":"tuple[]","components":[
       {"name":"intent","type":"uint8"},
       {"name":"version","type":"uint256"},
       {"name":"data","type":"bytes"},
       {"name":"allocations","type":"tuple[]","components":[
         {"name":"destination","type":"address"},
         {"name":"token","type":"address"},
         {"name":"amount","type":"uint256"}]},
       {"name":"sigs","type":"bytes[]"}]}],
   "outputs":[]},
  {"type":"function","name":"deposit","stateMutability":"payable",
   "inputs":[
     {"name":"account","type":"address"},
     {"name":"token","type":"address"},
     {"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable",
   "inputs":[
     {"name":"token","type":"address"},
     {"name":"amount","type":"uint256"}],
   "outputs":[]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint8"}]}
]`

var (
	CustodyABI abi.ABI
	ERC20ABI   abi.ABI

	// stateHashArgs is the encoding a participant signs:
	// (channelId, intent, version, data, allocations)
	stateHashArgs abi.Arguments
)

func init() {
	var err error
	CustodyABI, err = abi.JSON(strings.NewReader(custodyABIJSON))
	if err != nil {
		panic(fmt.Sprintf("failed to parse custody ABI: %v", err))
	}
	ERC20ABI, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ERC20 ABI: %v", err))
	}

	bytes32Type, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create bytes32 ABI type: %v", err))
	}
	uint8Type, err := abi.NewType("uint8", "", nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create uint8 ABI type: %v", err))
	}
	uint256Type, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create uint256 ABI type: %v", err))
	}
	bytesType, err := abi.NewType("bytes", "", nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create bytes ABI type: %v", err))
	}
	allocationsType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "destination", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
	})
	if err != nil {
		panic(fmt.Sprintf("failed to create allocations ABI type: %v", err))
	}

	stateHashArgs = abi.Arguments{
		{Type: bytes32Type, Name: "channelId"},
		{Type: uint8Type, Name: "intent"},
		{Type: uint256Type, Name: "version"},
		{Type: bytesType, Name: "data"},
		{Type: allocationsType, Name: "allocations"},
	}
}
